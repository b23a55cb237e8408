package dimse

import "strings"

// SOP class and transfer syntax UIDs needed for association negotiation.
// Lifted from DICOM PS3.4 Annex B / PS3.5 Annex A, the same registry
// caio-sobreiro-dicomnet's types/sopclass.go and types/transfersyntax.go
// carry; trimmed and regrouped to the set spec.md §4.2 names explicitly.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"
	VerificationSOPClass  = "1.2.840.10008.1.1"

	StudyRootFind        = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove        = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootGet         = "1.2.840.10008.5.1.4.1.2.2.3"
	PatientRootFind      = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMove      = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootGet       = "1.2.840.10008.5.1.4.1.2.1.3"
	PatientStudyOnlyFind = "1.2.840.10008.5.1.4.1.2.3.1"
	PatientStudyOnlyMove = "1.2.840.10008.5.1.4.1.2.3.2"
	PatientStudyOnlyGet  = "1.2.840.10008.5.1.4.1.2.3.3"

	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// CoreTransferSyntaxes is the negotiation order offered for every
// presentation context this engine proposes: uncompressed syntaxes first,
// most interoperable (Explicit LE) before the DICOM default (Implicit LE).
var CoreTransferSyntaxes = []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian, ExplicitVRBigEndian}

// CompressedTransferSyntaxes are additionally accepted when a storage peer
// proposes them; datasets in these syntaxes are stored verbatim, never
// transcoded.
var CompressedTransferSyntaxes = []string{
	"1.2.840.10008.1.2.4.50",  // JPEG Baseline (Process 1)
	"1.2.840.10008.1.2.4.51",  // JPEG Extended (Process 2 & 4)
	"1.2.840.10008.1.2.4.57",  // JPEG Lossless, Non-Hierarchical (Process 14)
	"1.2.840.10008.1.2.4.70",  // JPEG Lossless, SV1
	"1.2.840.10008.1.2.4.90",  // JPEG 2000 Lossless Only
	"1.2.840.10008.1.2.4.91",  // JPEG 2000
	"1.2.840.10008.1.2.4.100", // MPEG2 Main Profile / Main Level
	"1.2.840.10008.1.2.4.102", // MPEG-4 AVC/H.264 High Profile
	"1.2.840.10008.1.2.5",     // RLE Lossless
}

var compressedTransferSyntaxSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(CompressedTransferSyntaxes))
	for _, uid := range CompressedTransferSyntaxes {
		m[uid] = struct{}{}
	}
	return m
}()

// IsCompressedTransferSyntax reports whether uid is one of the accepted
// store-verbatim syntaxes.
func IsCompressedTransferSyntax(uid string) bool {
	_, ok := compressedTransferSyntaxSet[uid]
	return ok
}

// QueryRetrieveFindClasses are the information models proposed by a C-FIND
// initiator, per the negotiation contract table.
var QueryRetrieveFindClasses = []string{StudyRootFind, PatientRootFind, PatientStudyOnlyFind}

// QueryRetrieveMoveClasses are proposed by a C-MOVE initiator.
var QueryRetrieveMoveClasses = []string{StudyRootMove, PatientRootMove}

// QueryRetrieveGetClasses are proposed by a C-GET initiator, alongside every
// storage SOP class (role-selected SCP) from StorageSOPClasses.
var QueryRetrieveGetClasses = []string{StudyRootGet, PatientRootGet}

// StorageSOPClasses is the set of Storage Service SOP classes the
// Storage-SCP advertises on every supported transfer syntax, and that a
// C-GET initiator proposes with role-selection so it can receive inbound
// C-STOREs on the same association. Covers the modality list spec.md §4.2
// names explicitly.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",       // Computed Radiography Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",     // Digital X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.1.1.1",   // Digital X-Ray Image Storage - For Processing
	"1.2.840.10008.5.1.4.1.1.1.2",     // Digital Mammography X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.1.2.1",   // Digital Mammography X-Ray Image Storage - For Processing
	"1.2.840.10008.5.1.4.1.1.2",       // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",     // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4",       // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",     // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",     // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.3.1",     // Ultrasound Multi-frame Image Storage
	"1.2.840.10008.5.1.4.1.1.7",       // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.7.1",     // Multi-frame Grayscale Byte SC Image Storage
	"1.2.840.10008.5.1.4.1.1.7.2",     // Multi-frame Grayscale Word SC Image Storage
	"1.2.840.10008.5.1.4.1.1.7.3",     // Multi-frame True Color SC Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1",    // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.12.2",    // X-Ray Radiofluoroscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.20",      // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.128",     // PET Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1",   // RT Image Storage
	"1.2.840.10008.5.1.4.1.1.481.2",   // RT Dose Storage
	"1.2.840.10008.5.1.4.1.1.481.5",   // RT Plan Storage
	"1.2.840.10008.5.1.4.1.1.481.3",   // RT Structure Set Storage
	"1.2.840.10008.5.1.4.1.1.77.1.1",  // VL Endoscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.2",  // VL Microscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.4",  // VL Photographic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.5.1", // Ophthalmic Photography 8 Bit Image Storage
	"1.2.840.10008.5.1.4.1.1.88.11",   // Basic Text SR Storage
	"1.2.840.10008.5.1.4.1.1.88.22",   // Enhanced SR Storage
	"1.2.840.10008.5.1.4.1.1.88.33",   // Comprehensive SR Storage
	"1.2.840.10008.5.1.4.1.1.88.34",   // Comprehensive 3D SR Storage
	"1.2.840.10008.5.1.4.1.1.11.1",    // Grayscale Softcopy Presentation State Storage
	"1.2.840.10008.5.1.4.1.1.104.1",   // Encapsulated PDF Storage
	"1.2.840.10008.5.1.4.1.1.104.2",   // Encapsulated CDA Storage
	"1.2.840.10008.5.1.4.1.1.66.1",    // Spatial Registration Storage
	"1.2.840.10008.5.1.4.1.1.66.2",    // Spatial Fiducials Storage
	"1.2.840.10008.5.1.4.1.1.66.3",    // Deformable Spatial Registration Storage
	"1.2.840.10008.5.1.4.1.1.66.4",    // Segmentation Storage
	"1.2.840.10008.5.1.4.1.1.66.5",    // Surface Segmentation Storage
	"1.2.840.10008.5.1.4.1.1.67",      // Real World Value Mapping Storage
	"1.2.840.10008.5.1.4.1.1.13.1.3",  // Breast Tomosynthesis Image Storage
	"1.2.840.10008.5.1.4.1.1.14.1",    // Intravascular OCT Image Storage - For Presentation
}

var storageSOPClassSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(StorageSOPClasses))
	for _, uid := range StorageSOPClasses {
		m[uid] = struct{}{}
	}
	return m
}()

// IsStorageSOPClass reports whether uid is one of StorageSOPClasses. Any
// other UID under the storage root 1.2.840.10008.5.1.4.1.1 is also treated
// as storage, so a conformant remote pushing a class this list omits is
// not rejected outright.
func IsStorageSOPClass(uid string) bool {
	if _, ok := storageSOPClassSet[uid]; ok {
		return true
	}
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}
