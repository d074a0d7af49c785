package types

import "strings"

// ApplicationContextUID is the DICOM Application Context Name.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Implementation identification sent in associations and file meta information
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1427.1"
	ImplementationVersionName = "DICOMRELAY_1"
)

// Verification Service
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Storage Service - commonly exchanged image storage SOP classes
const (
	ComputedRadiographyImageStorage        = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"
	CTImageStorage                         = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                 = "1.2.840.10008.5.1.4.1.1.2.1"
	UltrasoundMultiFrameImageStorage       = "1.2.840.10008.5.1.4.1.1.3.1"
	MRImageStorage                         = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage                 = "1.2.840.10008.5.1.4.1.1.4.1"
	UltrasoundImageStorage                 = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage           = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage           = "1.2.840.10008.5.1.4.1.1.12.1"
	NuclearMedicineImageStorage            = "1.2.840.10008.5.1.4.1.1.20"
	PositronEmissionTomographyImageStorage = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                         = "1.2.840.10008.5.1.4.1.1.481.1"
)

// storageSOPClassPrefix roots every SOP class of the Storage Service Class (PS3.4 Annex B).
const storageSOPClassPrefix = "1.2.840.10008.5.1.4.1.1."

// SOPClassInfo provides human-readable information about a SOP Class UID
type SOPClassInfo struct {
	UID      string
	Name     string
	Category string
}

var sopClassRegistry = map[string]SOPClassInfo{
	VerificationSOPClass:                   {VerificationSOPClass, "Verification SOP Class", "Verification"},
	ComputedRadiographyImageStorage:        {ComputedRadiographyImageStorage, "Computed Radiography Image Storage", "Storage"},
	DigitalXRayImageStorageForPresentation: {DigitalXRayImageStorageForPresentation, "Digital X-Ray Image Storage - For Presentation", "Storage"},
	CTImageStorage:                         {CTImageStorage, "CT Image Storage", "Storage"},
	EnhancedCTImageStorage:                 {EnhancedCTImageStorage, "Enhanced CT Image Storage", "Storage"},
	UltrasoundMultiFrameImageStorage:       {UltrasoundMultiFrameImageStorage, "Ultrasound Multi-frame Image Storage", "Storage"},
	MRImageStorage:                         {MRImageStorage, "MR Image Storage", "Storage"},
	EnhancedMRImageStorage:                 {EnhancedMRImageStorage, "Enhanced MR Image Storage", "Storage"},
	UltrasoundImageStorage:                 {UltrasoundImageStorage, "Ultrasound Image Storage", "Storage"},
	SecondaryCaptureImageStorage:           {SecondaryCaptureImageStorage, "Secondary Capture Image Storage", "Storage"},
	XRayAngiographicImageStorage:           {XRayAngiographicImageStorage, "X-Ray Angiographic Image Storage", "Storage"},
	NuclearMedicineImageStorage:            {NuclearMedicineImageStorage, "Nuclear Medicine Image Storage", "Storage"},
	PositronEmissionTomographyImageStorage: {PositronEmissionTomographyImageStorage, "Positron Emission Tomography Image Storage", "Storage"},
	RTImageStorage:                         {RTImageStorage, "RT Image Storage", "Storage"},
}

// GetSOPClassInfo returns information about a SOP Class UID
func GetSOPClassInfo(uid string) *SOPClassInfo {
	if info, ok := sopClassRegistry[uid]; ok {
		return &info
	}
	if strings.HasPrefix(uid, storageSOPClassPrefix) {
		return &SOPClassInfo{UID: uid, Name: "Storage", Category: "Storage"}
	}
	return &SOPClassInfo{UID: uid, Name: "Unknown", Category: "Unknown"}
}

// IsStorageSOPClass returns true if the UID is a storage SOP class
func IsStorageSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == "Storage"
}
