package zlac8015d

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// RegisterClient is the transport capability the controller needs. The
// implementation owns the serial line, the slave address, and per-call
// timeouts, and is responsible for serializing concurrent callers.
type RegisterClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	WriteSingleRegister(address, value uint16) error
	WriteMultipleRegisters(address uint16, values []uint16) error
}

// ErrInvalidMode is returned when a mode outside the device's three
// operation modes is requested. No IO is issued in that case.
var ErrInvalidMode = errors.New("operation mode must be 1 (relative position), 2 (absolute position), or 3 (velocity)")

// The device occasionally returns a malformed response to a feedback read
// issued right after a write; the glitch clears on the next poll. Retry a
// few times with a short pause instead of spinning forever against a dead
// device.
const (
	readAttempts = 5
	readBackoff  = 20 * time.Millisecond
)

// AxisPair holds a left/right channel value pair. The device always reports
// and accepts both channels together.
type AxisPair[T any] struct {
	Left  T
	Right T
}

// Controller issues register transactions against one ZLAC8015D unit
// through an abstract register client. It keeps no mutable state of its
// own: mode, enable state, and fault state live on the device. Calls must
// be externally serialized; at most one transaction may be outstanding per
// controller.
type Controller struct {
	client RegisterClient
	geom   Geometry
	logger logging.Logger
}

// NewController wraps a connected register client with the unit-conversion
// and command layer for the given wheel geometry.
func NewController(client RegisterClient, geom Geometry, logger logging.Logger) *Controller {
	return &Controller{client: client, geom: geom, logger: logger}
}

// Geometry returns the wheel geometry the controller converts with.
func (c *Controller) Geometry() Geometry {
	return c.geom
}

// readWithRetry reads quantity registers at address, retrying transient
// malformed responses up to the attempt bound. Feedback reads go through
// here; after the bound a terminal error wrapping the last transport
// failure is returned rather than stale or zeroed data.
func (c *Controller) readWithRetry(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 && !goutils.SelectContextOrWait(ctx, readBackoff) {
			return nil, ctx.Err()
		}
		words, err := c.client.ReadHoldingRegisters(address, quantity)
		if err != nil {
			lastErr = err
			c.logger.Debugf("read of %d registers at 0x%04X failed on attempt %d: %v", quantity, address, attempt+1, err)
			continue
		}
		if len(words) != int(quantity) {
			lastErr = errors.Errorf("short response: got %d registers, want %d", len(words), quantity)
			continue
		}
		return words, nil
	}
	return nil, errors.Wrapf(lastErr, "read of %d registers at 0x%04X failed after %d attempts", quantity, address, readAttempts)
}

// SetMode selects the device operation mode. Invalid modes are rejected
// before any IO.
func (c *Controller) SetMode(ctx context.Context, mode OperationMode) error {
	switch mode {
	case ModeRelativePosition, ModeAbsolutePosition, ModeVelocity:
	default:
		return ErrInvalidMode
	}
	return c.client.WriteSingleRegister(regOperationMode, uint16(mode))
}

// Mode reads the active operation mode back from the device.
func (c *Controller) Mode(ctx context.Context) (OperationMode, error) {
	words, err := c.readWithRetry(ctx, regOperationMode, 1)
	if err != nil {
		return 0, err
	}
	return OperationMode(words[0]), nil
}

// Enable powers the output stage of both channels.
func (c *Controller) Enable(ctx context.Context) error {
	return c.client.WriteSingleRegister(regControl, ctrlEnable)
}

// Disable cuts power to the output stage of both channels.
func (c *Controller) Disable(ctx context.Context) error {
	return c.client.WriteSingleRegister(regControl, ctrlDisable)
}

// ClearAlarm clears a latched fault so the device can be re-enabled.
func (c *Controller) ClearAlarm(ctx context.Context) error {
	return c.client.WriteSingleRegister(regControl, ctrlClearAlarm)
}

// EmergencyStop halts both channels immediately, ignoring the decel ramp.
func (c *Controller) EmergencyStop(ctx context.Context) error {
	return c.client.WriteSingleRegister(regControl, ctrlEmergencyStop)
}

// Fault reads both axis fault registers in one transaction and classifies
// each against the device's fault set.
func (c *Controller) Fault(ctx context.Context) (AxisPair[bool], AxisPair[FaultCode], error) {
	words, err := c.client.ReadHoldingRegisters(regFaultLeft, 2)
	if err != nil {
		return AxisPair[bool]{}, AxisPair[FaultCode]{}, errors.Wrap(err, "fault register read failed")
	}
	if len(words) != 2 {
		return AxisPair[bool]{}, AxisPair[FaultCode]{}, errors.Errorf("fault register read returned %d registers, want 2", len(words))
	}
	codes := AxisPair[FaultCode]{Left: FaultCode(words[0]), Right: FaultCode(words[1])}
	flags := AxisPair[bool]{Left: codes.Left.Faulted(), Right: codes.Right.Faulted()}
	return flags, codes, nil
}

// SetAccelTime sets the acceleration ramp time of both channels in
// milliseconds. Out-of-range times saturate.
func (c *Controller) SetAccelTime(ctx context.Context, leftMS, rightMS float64) error {
	return c.client.WriteMultipleRegisters(regAccelTimeLeft, []uint16{clampTime(leftMS), clampTime(rightMS)})
}

// SetDecelTime sets the deceleration ramp time of both channels in
// milliseconds. Out-of-range times saturate.
func (c *Controller) SetDecelTime(ctx context.Context, leftMS, rightMS float64) error {
	return c.client.WriteMultipleRegisters(regDecelTimeLeft, []uint16{clampTime(leftMS), clampTime(rightMS)})
}

// SetRPM commands both wheel speeds in rpm, saturating at the device's
// +-3000 rpm command range.
func (c *Controller) SetRPM(ctx context.Context, leftRPM, rightRPM float64) error {
	return c.client.WriteMultipleRegisters(regRPMCommandLeft, []uint16{encodeRPMCommand(leftRPM), encodeRPMCommand(rightRPM)})
}

// SetSpeed commands both wheel speeds in m/s.
func (c *Controller) SetSpeed(ctx context.Context, leftMPS, rightMPS float64) error {
	return c.SetRPM(ctx, c.geom.LinearToRPM(leftMPS), c.geom.LinearToRPM(rightMPS))
}

// RPM reads the wheel speed feedback of both channels in rpm.
func (c *Controller) RPM(ctx context.Context) (AxisPair[float64], error) {
	words, err := c.readWithRetry(ctx, regRPMFeedbackLeft, 2)
	if err != nil {
		return AxisPair[float64]{}, err
	}
	return AxisPair[float64]{Left: decodeRPMFeedback(words[0]), Right: decodeRPMFeedback(words[1])}, nil
}

// LinearVelocities reads the wheel speed feedback of both channels in m/s.
// The right channel's rpm is negated before conversion: the right motor is
// mounted mirrored, so forward travel reads back negative.
func (c *Controller) LinearVelocities(ctx context.Context) (AxisPair[float64], error) {
	rpm, err := c.RPM(ctx)
	if err != nil {
		return AxisPair[float64]{}, err
	}
	return AxisPair[float64]{
		Left:  c.geom.RPMToLinear(rpm.Left),
		Right: c.geom.RPMToLinear(-rpm.Right),
	}, nil
}

// SetPositionRPM sets the per-channel speed ceiling used in position mode,
// saturating to [1, 1000] rpm.
func (c *Controller) SetPositionRPM(ctx context.Context, leftRPM, rightRPM float64) error {
	return c.client.WriteMultipleRegisters(regPositionRPMLeft, []uint16{clampPositionRPM(leftRPM), clampPositionRPM(rightRPM)})
}

// SetPositionAsync makes each channel start its pending position move
// independently via the per-channel start commands.
func (c *Controller) SetPositionAsync(ctx context.Context) error {
	return c.client.WriteSingleRegister(regPositionControlType, positionAsync)
}

// SetPositionSync makes both channels start their pending position moves
// together on StartBoth.
func (c *Controller) SetPositionSync(ctx context.Context) error {
	return c.client.WriteSingleRegister(regPositionControlType, positionSync)
}

// StartLeft triggers the left channel's pending position move.
func (c *Controller) StartLeft(ctx context.Context) error {
	return c.client.WriteSingleRegister(regControl, ctrlStartLeft)
}

// StartRight triggers the right channel's pending position move.
func (c *Controller) StartRight(ctx context.Context) error {
	return c.client.WriteSingleRegister(regControl, ctrlStartRight)
}

// StartBoth triggers the pending position moves of both channels.
func (c *Controller) StartBoth(ctx context.Context) error {
	return c.client.WriteSingleRegister(regControl, ctrlStartBoth)
}

// SetRelativeAngle loads a relative move of the given wheel angles in
// degrees, domain [-1440, 1440]. The move starts on the next start command.
func (c *Controller) SetRelativeAngle(ctx context.Context, leftDeg, rightDeg float64) error {
	leftHi, leftLo := degreesToWords(leftDeg)
	rightHi, rightLo := degreesToWords(rightDeg)
	return c.client.WriteMultipleRegisters(regRelAngleLeftHi, []uint16{leftHi, leftLo, rightHi, rightLo})
}

// WheelsTicks reads the raw encoder position of both channels.
func (c *Controller) WheelsTicks(ctx context.Context) (AxisPair[int32], error) {
	words, err := c.readWithRetry(ctx, regPositionLeftHi, 4)
	if err != nil {
		return AxisPair[int32]{}, err
	}
	return AxisPair[int32]{
		Left:  wordsToTicks(words[0], words[1]),
		Right: wordsToTicks(words[2], words[3]),
	}, nil
}

// WheelsTraveled reads the distance each wheel has traveled in meters since
// power-on.
func (c *Controller) WheelsTraveled(ctx context.Context) (AxisPair[float64], error) {
	ticks, err := c.WheelsTicks(ctx)
	if err != nil {
		return AxisPair[float64]{}, err
	}
	return AxisPair[float64]{
		Left:  c.geom.TicksToMeters(ticks.Left),
		Right: c.geom.TicksToMeters(ticks.Right),
	}, nil
}
