package index

import (
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// isRecyclingNeeded tells whether adding addedSize bytes, and possibly a new
// patient, would break one of the quotas
func (tx *Tx) isRecyclingNeeded(addedSize int64, newPatient bool) (bool, error) {
	opts := tx.index.opts

	if opts.MaximumStorageSize > 0 {
		if addedSize > opts.MaximumStorageSize {
			return false, errcode.Newf(errcode.FullStorage,
				"cannot store an instance of %d bytes in a storage area limited to %d bytes", addedSize, opts.MaximumStorageSize)
		}
		total, err := tx.t.TotalCompressedSize()
		if err != nil {
			return false, dbError(err, "cannot compute storage size")
		}
		if total+addedSize > opts.MaximumStorageSize {
			return true, nil
		}
	}

	if opts.MaximumPatientCount > 0 {
		count, err := tx.t.CountResources(models.ResourcePatient)
		if err != nil {
			return false, dbError(err, "cannot count patients")
		}
		if newPatient && count >= opts.MaximumPatientCount || count > opts.MaximumPatientCount {
			return true, nil
		}
	}
	return false, nil
}

// EnsureCapacity makes room for addedSize bytes belonging to the patient
// avoidPatient (a public id, empty when the bytes do not come with a
// patient). In recycle mode the least recently used
// unprotected patients are deleted until the quotas hold; in reject mode, or
// when nothing is left to recycle, the call fails with FullStorage.
func (tx *Tx) EnsureCapacity(addedSize int64, avoidPatient string) error {
	opts := tx.index.opts
	if opts.MaximumStorageSize <= 0 && opts.MaximumPatientCount <= 0 {
		return nil
	}

	var avoid int64
	newPatient := false
	if avoidPatient != "" {
		id, found, err := tx.lookup(avoidPatient, models.ResourcePatient)
		if err != nil {
			return err
		}
		avoid, newPatient = id, !found
	}

	for {
		needed, err := tx.isRecyclingNeeded(addedSize, newPatient)
		if err != nil {
			return err
		}
		if !needed {
			return nil
		}
		if opts.MaxStorageMode == models.MaxStorageReject {
			return errcode.New(errcode.FullStorage, "storage quota reached")
		}

		victim, ok, err := tx.RecyclePatient(avoid)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.New(errcode.FullStorage, "storage quota reached and no patient can be recycled")
		}

		ref, err := tx.Ref(victim)
		if err != nil {
			return err
		}
		tx.index.log.Info().Str("patient", ref.PublicID).Msg("Recycling patient to free storage")
		if _, err := tx.DeleteResource(victim); err != nil {
			return err
		}
		recycledPatients.Inc()
	}
}
