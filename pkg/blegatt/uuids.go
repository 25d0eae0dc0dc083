package blegatt

import "github.com/google/uuid"

// AVSS GATT service and characteristic UUIDs. These are the
// node firmware's vendor-assigned 128-bit UUIDs.
var (
	ServiceUUID       = uuid.MustParse("b9f47e10-4ab0-4a1e-8f3b-6a1d7e9c2a01")
	ReportUUID        = uuid.MustParse("b9f47e11-4ab0-4a1e-8f3b-6a1d7e9c2a01")
	ControlPointUUID  = uuid.MustParse("b9f47e12-4ab0-4a1e-8f3b-6a1d7e9c2a01")
	ProgramUUID       = uuid.MustParse("b9f47e13-4ab0-4a1e-8f3b-6a1d7e9c2a01")
)
