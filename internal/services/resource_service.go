package services

import (
	"context"
	"sort"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Delete removes a resource and its descendants, and evicts the deleted
// instances from the parse cache
func (s *InstanceService) Delete(ctx context.Context, level models.ResourceType, publicID string) (index.DeleteResult, error) {
	res, err := s.index.Delete(ctx, level, publicID)
	if err != nil {
		return res, err
	}
	for _, c := range res.Deleted {
		if c.ResourceType == models.ResourceInstance {
			s.parsed.Invalidate(c.PublicID)
		}
	}
	s.log.Info().Str("level", level.String()).Str("id", publicID).Int("deleted", len(res.Deleted)).Msg("Resource deleted")
	return res, nil
}

func (s *InstanceService) attachment(ctx context.Context, level models.ResourceType, publicID string, contentType models.FileContentType) (models.FileInfo, error) {
	info, _, err := s.Attachment(ctx, level, publicID, contentType)
	return info, err
}

// Attachment returns the descriptor and revision of an attachment
func (s *InstanceService) Attachment(ctx context.Context, level models.ResourceType, publicID string, contentType models.FileContentType) (models.FileInfo, int64, error) {
	var info models.FileInfo
	var revision int64
	err := s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		var found bool
		info, revision, found, err = tx.GetAttachment(ref.ID, contentType)
		if err != nil {
			return err
		}
		if !found {
			return errcode.Newf(errcode.UnknownResource, "no %s attachment on %s %s", contentType, level, publicID)
		}
		return nil
	})
	return info, revision, err
}

// ListAttachments returns the names of the attachments of a resource
func (s *InstanceService) ListAttachments(ctx context.Context, level models.ResourceType, publicID string) ([]string, error) {
	var names []string
	err := s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		types, err := tx.Backend().ListAttachments(ref.ID)
		if err != nil {
			return errcode.Wrap(errcode.Database, err, "cannot list attachments")
		}
		for _, t := range types {
			names = append(names, t.String())
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// VerifyMD5 checks an attachment against the MD5 recorded at write time
func (s *InstanceService) VerifyMD5(ctx context.Context, level models.ResourceType, publicID string, contentType models.FileContentType) error {
	info, err := s.attachment(ctx, level, publicID, contentType)
	if err != nil {
		return err
	}
	return s.files.VerifyMD5(ctx, info)
}

// PutAttachment stores a user-defined attachment, replacing the previous
// one. expectedRevision < 0 skips the revision check.
func (s *InstanceService) PutAttachment(ctx context.Context, level models.ResourceType, publicID string, contentType models.FileContentType, data []byte, expectedRevision int64) (int64, error) {
	if !contentType.IsUserDefined() {
		return 0, errcode.Newf(errcode.ParameterOutOfRange, "attachment %s is not user-defined", contentType)
	}

	info, err := s.files.Write(ctx, data, contentType, s.opts.Compression, s.opts.StoreMD5)
	if err != nil {
		return 0, err
	}

	var revision int64
	err = s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		patient, err := tx.PatientOf(ref.ID)
		if err != nil {
			return err
		}
		if err := tx.EnsureCapacity(info.CompressedSize, patient.PublicID); err != nil {
			return err
		}
		revision, err = tx.ReplaceAttachment(ref.ID, info, expectedRevision)
		if err != nil {
			return err
		}
		_, err = tx.AddChange(models.ChangeUpdatedAttachment, ref)
		return err
	})
	if err != nil {
		s.removeBlobs(ctx, info)
		return 0, err
	}
	return revision, nil
}

// DeleteAttachment removes a user-defined attachment or the cached
// dicom-until-pixel-data blob
func (s *InstanceService) DeleteAttachment(ctx context.Context, level models.ResourceType, publicID string, contentType models.FileContentType) error {
	if !contentType.IsUserDefined() && contentType != models.ContentDicomUntilPixelData {
		return errcode.Newf(errcode.ParameterOutOfRange, "attachment %s cannot be deleted", contentType)
	}
	return s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		if err := tx.DeleteAttachment(ref.ID, contentType); err != nil {
			return err
		}
		_, err = tx.AddChange(models.ChangeUpdatedAttachment, ref)
		return err
	})
}

// ListMetadata returns the metadata of a resource keyed by name
func (s *InstanceService) ListMetadata(ctx context.Context, level models.ResourceType, publicID string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		all, err := tx.Backend().GetAllMetadata(ref.ID)
		if err != nil {
			return errcode.Wrap(errcode.Database, err, "cannot list metadata")
		}
		for k, v := range all {
			out[k.String()] = v
		}
		return nil
	})
	return out, err
}

// Metadata reads one metadata entry
func (s *InstanceService) Metadata(ctx context.Context, level models.ResourceType, publicID string, metadata models.MetadataType) (string, error) {
	var value string
	err := s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		var found bool
		value, found, err = tx.GetMetadata(ref.ID, metadata)
		if err != nil {
			return err
		}
		if !found {
			return errcode.Newf(errcode.UnknownResource, "no metadata %s on %s %s", metadata, level, publicID)
		}
		return nil
	})
	return value, err
}

// SetMetadata writes a user-defined metadata entry
func (s *InstanceService) SetMetadata(ctx context.Context, level models.ResourceType, publicID string, metadata models.MetadataType, value string) error {
	if !metadata.IsUserDefined() {
		return errcode.Newf(errcode.ParameterOutOfRange, "metadata %s is read-only", metadata)
	}
	return s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		if err := tx.SetMetadata(ref.ID, metadata, value); err != nil {
			return err
		}
		_, err = tx.AddChange(models.ChangeUpdatedMetadata, ref)
		return err
	})
}

// DeleteMetadata removes a user-defined metadata entry
func (s *InstanceService) DeleteMetadata(ctx context.Context, level models.ResourceType, publicID string, metadata models.MetadataType) error {
	if !metadata.IsUserDefined() {
		return errcode.Newf(errcode.ParameterOutOfRange, "metadata %s is read-only", metadata)
	}
	return s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		if _, found, err := tx.GetMetadata(ref.ID, metadata); err != nil {
			return err
		} else if !found {
			return errcode.Newf(errcode.UnknownResource, "no metadata %s on %s %s", metadata, level, publicID)
		}
		if err := tx.DeleteMetadata(ref.ID, metadata); err != nil {
			return err
		}
		_, err = tx.AddChange(models.ChangeUpdatedMetadata, ref)
		return err
	})
}
