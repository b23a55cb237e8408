package models

import "time"

// Patient is the top level of the cache hierarchy, keyed by patientId.
type Patient struct {
	PatientID   string `gorm:"type:varchar(64);primaryKey" json:"patientId"`
	PatientName string `gorm:"type:varchar(255)" json:"patientName"`
	PatientSex  string `gorm:"type:varchar(8)" json:"patientSex"`
	BirthDate   string `gorm:"type:varchar(8)" json:"birthDate"`

	Studies []Study `gorm:"foreignKey:PatientID;references:PatientID" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Patient) TableName() string { return "cache_patients" }

// Study is keyed by studyInstanceUid. Cache bookkeeping fields
// (Cached/CachedAt/LastAccessedAt/SourceAeTitle) live here per §3.
type Study struct {
	StudyInstanceUID string `gorm:"type:varchar(64);primaryKey" json:"studyInstanceUid"`
	PatientID        string `gorm:"type:varchar(64);not null;index" json:"patientId"`

	StudyDate          string `gorm:"type:varchar(8)" json:"studyDate"`
	StudyTime          string `gorm:"type:varchar(16)" json:"studyTime"`
	StudyDescription   string `gorm:"type:varchar(255)" json:"studyDescription"`
	AccessionNumber    string `gorm:"type:varchar(64)" json:"accessionNumber"`
	ReferringPhysician string `gorm:"type:varchar(255)" json:"referringPhysician"`

	NumberOfSeries    int    `gorm:"not null;default:0" json:"numberOfSeries"`
	NumberOfInstances int    `gorm:"not null;default:0" json:"numberOfInstances"`
	ModalitiesInStudy string `gorm:"type:varchar(255)" json:"modalitiesInStudy"` // backslash-joined, first-seen order

	Cached         bool       `gorm:"not null;default:false;index" json:"cached"`
	CachedAt       *time.Time `json:"cachedAt,omitempty"`
	LastAccessedAt *time.Time `gorm:"index" json:"lastAccessedAt,omitempty"`
	SourceAETitle  string     `gorm:"type:varchar(16)" json:"sourceAeTitle"`

	Series []Series `gorm:"foreignKey:StudyInstanceUID;references:StudyInstanceUID" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Study) TableName() string { return "cache_studies" }

// Series is keyed by seriesInstanceUid.
type Series struct {
	SeriesInstanceUID string `gorm:"type:varchar(64);primaryKey" json:"seriesInstanceUid"`
	StudyInstanceUID  string `gorm:"type:varchar(64);not null;index" json:"studyInstanceUid"`

	SeriesNumber      int    `json:"seriesNumber"`
	Modality          string `gorm:"type:varchar(16)" json:"modality"`
	SeriesDescription string `gorm:"type:varchar(255)" json:"seriesDescription"`
	BodyPartExamined  string `gorm:"type:varchar(64)" json:"bodyPartExamined"`

	NumberOfInstances int `gorm:"not null;default:0" json:"numberOfInstances"`

	Instances []Instance `gorm:"foreignKey:SeriesInstanceUID;references:SeriesInstanceUID" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Series) TableName() string { return "cache_series" }

// Instance is keyed by sopInstanceUid and carries the pixel-geometry
// attributes §3 requires for rendering, plus on-disk location.
type Instance struct {
	SOPInstanceUID    string `gorm:"type:varchar(64);primaryKey" json:"sopInstanceUid"`
	SeriesInstanceUID string `gorm:"type:varchar(64);not null;index" json:"seriesInstanceUid"`
	StudyInstanceUID  string `gorm:"type:varchar(64);not null;index" json:"studyInstanceUid"`

	SOPClassUID       string `gorm:"type:varchar(64)" json:"sopClassUid"`
	InstanceNumber    int    `json:"instanceNumber"`
	TransferSyntaxUID string `gorm:"type:varchar(64)" json:"transferSyntaxUid"`

	Rows                      int     `json:"rows"`
	Columns                   int     `json:"columns"`
	BitsAllocated             int     `json:"bitsAllocated"`
	BitsStored                int     `json:"bitsStored"`
	HighBit                   int     `json:"highBit"`
	PixelRepresentation       int     `json:"pixelRepresentation"`
	SamplesPerPixel           int     `json:"samplesPerPixel"`
	PhotometricInterpretation string  `gorm:"type:varchar(32)" json:"photometricInterpretation"`
	NumberOfFrames            int     `json:"numberOfFrames"`
	WindowCenter              string  `gorm:"type:varchar(64)" json:"windowCenter"`
	WindowWidth               string  `gorm:"type:varchar(64)" json:"windowWidth"`
	RescaleIntercept          float64 `json:"rescaleIntercept"`
	RescaleSlope              float64 `json:"rescaleSlope"`
	SliceThickness            float64 `json:"sliceThickness"`
	SliceLocation             *float64 `json:"sliceLocation,omitempty"`
	ImagePositionPatient      string  `gorm:"type:varchar(128)" json:"imagePositionPatient"`
	ImageOrientationPatient   string  `gorm:"type:varchar(192)" json:"imageOrientationPatient"`
	PixelSpacing              string  `gorm:"type:varchar(64)" json:"pixelSpacing"`

	FilePath string `gorm:"type:text;not null" json:"filePath"`
	FileSize int64  `gorm:"not null" json:"fileSize"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Instance) TableName() string { return "cache_instances" }
