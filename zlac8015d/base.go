package zlac8015d

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"
)

// Model for the viam supported ZLAC8015D differential drive base.
var Model = resource.NewModel("viam", "zlac8015d", "base")

// Config describes how the base is wired and dimensioned.
type Config struct {
	SerialPath    string  `json:"serial_path"`
	BaudRate      int     `json:"baud_rate,omitempty"`
	TimeoutMS     int     `json:"timeout_ms,omitempty"`
	SlaveID       int     `json:"slave_id,omitempty"`
	WheelRadiusMM float64 `json:"wheel_radius_mm,omitempty"`
	TrackWidthMM  float64 `json:"track_width_mm"`
	MaxRPM        float64 `json:"max_rpm,omitempty"`
	AccelTimeMS   float64 `json:"accel_time_ms,omitempty"`
	DecelTimeMS   float64 `json:"decel_time_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, []string, error) {
	if conf.SerialPath == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "serial_path")
	}
	if conf.TrackWidthMM <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "track_width_mm")
	}
	if conf.SlaveID < 0 || conf.SlaveID > 247 {
		return nil, nil, errors.New("slave_id must be between 0 and 247")
	}
	return nil, nil, nil
}

func init() {
	resource.RegisterComponent(base.API, Model, resource.Registration[base.Base, *Config]{
		Constructor: newBase,
	})
}

// Feedback below one rpm on both wheels counts as standstill.
const stoppedRPMThreshold = 1.0

// Position moves only show nonzero speed feedback once the ramp is under
// way; give the ramp a head start before watching for standstill.
const rampStartDelay = 200 * time.Millisecond

type wheeledBase struct {
	resource.Named
	resource.AlwaysRebuild
	ctrl       *Controller
	transport  io.Closer
	trackWidth float64 // meters
	maxRPM     float64
	logger     logging.Logger
	opMgr      *operation.SingleOperationManager
	baseName   string
}

// newBase connects to the device over Modbus RTU and returns a ready base.
func newBase(ctx context.Context, _ resource.Dependencies, c resource.Config, logger logging.Logger,
) (base.Base, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	client, err := Connect(SerialConfig{
		Path:     conf.SerialPath,
		BaudRate: conf.BaudRate,
		Timeout:  time.Duration(conf.TimeoutMS) * time.Millisecond,
		SlaveID:  byte(conf.SlaveID),
	})
	if err != nil {
		return nil, err
	}
	return makeBase(ctx, *conf, c.ResourceName(), logger, client, client)
}

// makeBase is separate from newBase, above, so you can inject a mock
// register client in here during testing.
func makeBase(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	client RegisterClient, transport io.Closer,
) (base.Base, error) {
	if c.WheelRadiusMM == 0 {
		logger.CWarnf(ctx, "wheel_radius_mm not set, defaulting to %.1fmm", DefaultWheelRadius*1000)
		c.WheelRadiusMM = DefaultWheelRadius * 1000
	}
	if c.MaxRPM == 0 {
		logger.CWarn(ctx, "max_rpm not set, defaulting to 150 rpm")
		c.MaxRPM = 150
	}
	if c.AccelTimeMS == 0 {
		c.AccelTimeMS = 500
	}
	if c.DecelTimeMS == 0 {
		c.DecelTimeMS = 500
	}

	b := &wheeledBase{
		Named:      name.AsNamed(),
		ctrl:       NewController(client, NewGeometry(c.WheelRadiusMM/1000), logger),
		transport:  transport,
		trackWidth: c.TrackWidthMM / 1000,
		maxRPM:     c.MaxRPM,
		logger:     logger,
		opMgr:      operation.NewSingleOperationManager(),
		baseName:   name.ShortName(),
	}

	err := multierr.Combine(
		b.ctrl.SetMode(ctx, ModeVelocity),
		b.ctrl.SetAccelTime(ctx, c.AccelTimeMS, c.AccelTimeMS),
		b.ctrl.SetDecelTime(ctx, c.DecelTimeMS, c.DecelTimeMS),
		b.ctrl.ClearAlarm(ctx),
		b.ctrl.Enable(ctx),
	)
	if err != nil {
		if transport != nil {
			err = multierr.Append(err, transport.Close())
		}
		return nil, errors.Wrapf(err, "cannot initialize base (%s)", b.baseName)
	}

	return b, nil
}

// commandWheels issues a velocity command for the given wheel rpms, scaling
// both down proportionally if either exceeds the configured ceiling. The
// right motor is mounted mirrored, so its register command is negated.
func (b *wheeledBase) commandWheels(ctx context.Context, leftRPM, rightRPM float64) error {
	if fastest := math.Max(math.Abs(leftRPM), math.Abs(rightRPM)); fastest > b.maxRPM {
		scale := b.maxRPM / fastest
		leftRPM *= scale
		rightRPM *= scale
		b.logger.CWarnf(ctx, "commanded speed exceeds max_rpm %.0f, scaling both wheels by %.2f", b.maxRPM, scale)
	}
	return multierr.Combine(
		b.ctrl.SetMode(ctx, ModeVelocity),
		b.ctrl.SetRPM(ctx, leftRPM, -rightRPM),
	)
}

// SetVelocity commands the base to the given linear (mm/s) and angular
// (deg/s) velocity via differential drive kinematics.
func (b *wheeledBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)

	v := linear.Y / 1000.0
	w := angular.Z * math.Pi / 180.0
	left := v - w*b.trackWidth/2
	right := v + w*b.trackWidth/2

	geom := b.ctrl.Geometry()
	if err := b.commandWheels(ctx, geom.LinearToRPM(left), geom.LinearToRPM(right)); err != nil {
		return errors.Wrapf(err, "error in SetVelocity from base (%s)", b.baseName)
	}
	return nil
}

// SetPower commands the base at fractions of max_rpm, differential style:
// linear.Y is the forward fraction, angular.Z the turning fraction.
func (b *wheeledBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)

	left := linear.Y - angular.Z
	right := linear.Y + angular.Z
	if fastest := math.Max(math.Abs(left), math.Abs(right)); fastest > 1 {
		left /= fastest
		right /= fastest
	}

	if err := b.commandWheels(ctx, left*b.maxRPM, right*b.maxRPM); err != nil {
		return errors.Wrapf(err, "error in SetPower from base (%s)", b.baseName)
	}
	return nil
}

// MoveStraight moves the base the given distance at the given speed using
// the device's relative position mode, blocking until standstill.
func (b *wheeledBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if mmPerSec == 0 {
		return errors.Errorf("cannot move base (%s) at zero speed", b.baseName)
	}
	dist := float64(distanceMm)
	if mmPerSec < 0 {
		dist = -dist
		mmPerSec = -mmPerSec
	}

	geom := b.ctrl.Geometry()
	wheelDeg := dist / 1000.0 / geom.TravelPerRev * 360.0
	rpm := geom.LinearToRPM(mmPerSec / 1000.0)
	if err := b.moveRelative(ctx, wheelDeg, wheelDeg, rpm); err != nil {
		return errors.Wrapf(err, "error in MoveStraight from base (%s)", b.baseName)
	}
	return nil
}

// Spin rotates the base in place by the given angle at the given speed,
// positive angles counterclockwise, blocking until standstill.
func (b *wheeledBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	ctx, done := b.opMgr.New(ctx)
	defer done()

	if degsPerSec == 0 {
		return errors.Errorf("cannot spin base (%s) at zero speed", b.baseName)
	}
	if degsPerSec < 0 {
		angleDeg = -angleDeg
		degsPerSec = -degsPerSec
	}

	geom := b.ctrl.Geometry()
	// Arc length each wheel covers for the requested base rotation.
	arc := angleDeg / 360.0 * math.Pi * b.trackWidth
	wheelDeg := arc / geom.TravelPerRev * 360.0
	rpm := geom.LinearToRPM(degsPerSec / 360.0 * math.Pi * b.trackWidth)
	if err := b.moveRelative(ctx, -wheelDeg, wheelDeg, rpm); err != nil {
		return errors.Wrapf(err, "error in Spin from base (%s)", b.baseName)
	}
	return nil
}

// moveRelative runs a synchronized relative position move of the given
// wheel angles, chunked to the device's command domain, and restores
// velocity mode once the base is back at standstill.
func (b *wheeledBase) moveRelative(ctx context.Context, leftDeg, rightDeg, rpm float64) error {
	err := multierr.Combine(
		b.ctrl.SetMode(ctx, ModeRelativePosition),
		b.ctrl.SetPositionRPM(ctx, rpm, rpm),
		b.ctrl.SetPositionSync(ctx),
	)
	if err != nil {
		return err
	}

	for math.Abs(leftDeg) > 1e-9 || math.Abs(rightDeg) > 1e-9 {
		leftStep := clamp(leftDeg, -maxAngleDeg, maxAngleDeg)
		rightStep := clamp(rightDeg, -maxAngleDeg, maxAngleDeg)
		leftDeg -= leftStep
		rightDeg -= rightStep

		if err := b.ctrl.SetRelativeAngle(ctx, leftStep, -rightStep); err != nil {
			return err
		}
		if err := b.ctrl.StartBoth(ctx); err != nil {
			return err
		}
		if err := b.waitForStandstill(ctx); err != nil {
			return err
		}
	}

	return b.ctrl.SetMode(ctx, ModeVelocity)
}

func (b *wheeledBase) waitForStandstill(ctx context.Context) error {
	if !goutils.SelectContextOrWait(ctx, rampStartDelay) {
		return ctx.Err()
	}
	return b.opMgr.WaitForSuccess(
		ctx,
		50*time.Millisecond,
		b.isStopped,
	)
}

func (b *wheeledBase) isStopped(ctx context.Context) (bool, error) {
	rpm, err := b.ctrl.RPM(ctx)
	if err != nil {
		return false, err
	}
	return math.Abs(rpm.Left) < stoppedRPMThreshold && math.Abs(rpm.Right) < stoppedRPMThreshold, nil
}

// Stop halts the base through the velocity ramp.
func (b *wheeledBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.opMgr.CancelRunning(ctx)
	if err := b.commandWheels(ctx, 0, 0); err != nil {
		return errors.Wrapf(err, "error in Stop from base (%s)", b.baseName)
	}
	return nil
}

// IsMoving returns true if either wheel reports speed feedback.
func (b *wheeledBase) IsMoving(ctx context.Context) (bool, error) {
	stopped, err := b.isStopped(ctx)
	return !stopped, err
}

// Properties returns the base's dimensions.
func (b *wheeledBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              b.trackWidth,
		WheelCircumferenceMeters: b.ctrl.Geometry().TravelPerRev,
	}, nil
}

// Geometries returns nil; no collision geometry is configured on the model.
func (b *wheeledBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

// DoCommand() related constants.
const (
	Command       = "command"
	Fault         = "fault"
	ClearAlarm    = "clear_alarm"
	EmergencyStop = "emergency_stop"
	Ticks         = "ticks"
	Traveled      = "traveled"
	Mode          = "mode"
)

// DoCommand exposes the device's diagnostic operations beyond the Base{}
// interface.
func (b *wheeledBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Fault:
		flags, codes, err := b.ctrl.Fault(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"left_faulted":  flags.Left,
			"right_faulted": flags.Right,
			"left_fault":    codes.Left.String(),
			"right_fault":   codes.Right.String(),
		}, nil
	case ClearAlarm:
		return nil, b.ctrl.ClearAlarm(ctx)
	case EmergencyStop:
		b.opMgr.CancelRunning(ctx)
		return nil, b.ctrl.EmergencyStop(ctx)
	case Ticks:
		ticks, err := b.ctrl.WheelsTicks(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"left_ticks": ticks.Left, "right_ticks": ticks.Right}, nil
	case Traveled:
		traveled, err := b.ctrl.WheelsTraveled(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"left_m": traveled.Left, "right_m": traveled.Right}, nil
	case Mode:
		mode, err := b.ctrl.Mode(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"mode": mode.String()}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

// Close stops and disables the motors, then releases the serial line.
func (b *wheeledBase) Close(ctx context.Context) error {
	b.opMgr.CancelRunning(ctx)
	err := multierr.Combine(
		b.ctrl.SetRPM(ctx, 0, 0),
		b.ctrl.Disable(ctx),
	)
	if b.transport != nil {
		err = multierr.Append(err, b.transport.Close())
	}
	return err
}
