// Package zlac8015d implements a driver for the ZLAC8015D dual-channel
// wheel hub motor driver, addressed over a Modbus RTU holding-register map.
package zlac8015d

import "fmt"

// Holding register addresses. Left and right channel values sit in adjacent
// registers, so axis pairs are always read or written in one transaction.
const (
	regControl       = 0x200E
	regOperationMode = 0x200D

	regAccelTimeLeft  = 0x2080
	regAccelTimeRight = 0x2081
	regDecelTimeLeft  = 0x2082
	regDecelTimeRight = 0x2083

	// Velocity control.
	regRPMCommandLeft   = 0x2088
	regRPMCommandRight  = 0x2089
	regRPMFeedbackLeft  = 0x20AB
	regRPMFeedbackRight = 0x20AC

	// Position control. Relative angle commands and position feedback are
	// 32-bit values split over two registers, high word first.
	regPositionControlType = 0x200F
	regPositionRPMLeft     = 0x208E
	regPositionRPMRight    = 0x208F
	regRelAngleLeftHi      = 0x208A
	regRelAngleLeftLo      = 0x208B
	regRelAngleRightHi     = 0x208C
	regRelAngleRightLo     = 0x208D
	regPositionLeftHi      = 0x20A7
	regPositionLeftLo      = 0x20A8
	regPositionRightHi     = 0x20A9
	regPositionRightLo     = 0x20AA

	regFaultLeft  = 0x20A5
	regFaultRight = 0x20A6
)

// Control words written to regControl.
const (
	ctrlEmergencyStop = 0x05
	ctrlClearAlarm    = 0x06
	ctrlDisable       = 0x07
	ctrlEnable        = 0x08
	ctrlStartBoth     = 0x10
	ctrlStartLeft     = 0x11
	ctrlStartRight    = 0x12
)

// Position-control-type values written to regPositionControlType. Async
// starts each channel's pending move independently, sync starts both on the
// sync start control word.
const (
	positionAsync uint16 = 0
	positionSync  uint16 = 1
)

// OperationMode selects how the device interprets motion commands. Exactly
// one mode is active at a time; the driver never caches it locally and
// re-reads the device on every query.
type OperationMode uint16

// Operation modes accepted by the mode register.
const (
	ModeRelativePosition OperationMode = 1
	ModeAbsolutePosition OperationMode = 2
	ModeVelocity         OperationMode = 3
)

func (m OperationMode) String() string {
	switch m {
	case ModeRelativePosition:
		return "relative position"
	case ModeAbsolutePosition:
		return "absolute position"
	case ModeVelocity:
		return "velocity"
	default:
		return fmt.Sprintf("unknown mode %d", uint16(m))
	}
}

// FaultCode is the per-axis 16-bit fault word reported by the device.
type FaultCode uint16

// Fault codes reported in the fault registers.
const (
	FaultNone              FaultCode = 0x0000
	FaultOverVoltage       FaultCode = 0x0001
	FaultUnderVoltage      FaultCode = 0x0002
	FaultOverCurrent       FaultCode = 0x0004
	FaultOverload          FaultCode = 0x0008
	FaultCurrentOutOfRange FaultCode = 0x0010
	FaultEncoderOutOfRange FaultCode = 0x0020
	FaultMotorBad          FaultCode = 0x0040
	FaultReferenceVoltage  FaultCode = 0x0080
	FaultEEPROM            FaultCode = 0x0100
	FaultWall              FaultCode = 0x0200
	FaultHighTemperature   FaultCode = 0x0400
)

var faultNames = map[FaultCode]string{
	FaultOverVoltage:       "over voltage",
	FaultUnderVoltage:      "under voltage",
	FaultOverCurrent:       "over current",
	FaultOverload:          "overload",
	FaultCurrentOutOfRange: "current out of tolerance",
	FaultEncoderOutOfRange: "encoder out of tolerance",
	FaultMotorBad:          "motor bad",
	FaultReferenceVoltage:  "reference voltage error",
	FaultEEPROM:            "EEPROM error",
	FaultWall:              "wall error",
	FaultHighTemperature:   "high temperature",
}

// Faulted reports whether the code is a member of the device's fault set.
// Membership is exact: zero and unrecognized nonzero codes are not faults.
func (f FaultCode) Faulted() bool {
	_, ok := faultNames[f]
	return ok
}

func (f FaultCode) String() string {
	if f == FaultNone {
		return "no fault"
	}
	if name, ok := faultNames[f]; ok {
		return name
	}
	return fmt.Sprintf("unknown fault 0x%04X", uint16(f))
}
