package toolbox

// InstanceHasher derives the public ids of the four resources an instance belongs to
type InstanceHasher struct {
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// NewInstanceHasher builds a hasher from the DICOM identifiers of an instance
func NewInstanceHasher(patientID, studyUID, seriesUID, sopUID string) InstanceHasher {
	return InstanceHasher{
		PatientID:         patientID,
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    sopUID,
	}
}

func (h InstanceHasher) HashPatient() string {
	return ComputeSHA1(h.PatientID)
}

func (h InstanceHasher) HashStudy() string {
	return ComputeSHA1(h.PatientID + "|" + h.StudyInstanceUID)
}

func (h InstanceHasher) HashSeries() string {
	return ComputeSHA1(h.PatientID + "|" + h.StudyInstanceUID + "|" + h.SeriesInstanceUID)
}

func (h InstanceHasher) HashInstance() string {
	return ComputeSHA1(h.PatientID + "|" + h.StudyInstanceUID + "|" + h.SeriesInstanceUID + "|" + h.SOPInstanceUID)
}
