package zlac8015d

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"
)

// expectSetup scripts the construction register sequence: velocity mode,
// ramp times, alarm clear, enable.
func expectSetup(client *fakeRegisterClient) {
	client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))
	client.expectWriteMultiple(regAccelTimeLeft, []uint16{500, 500})
	client.expectWriteMultiple(regDecelTimeLeft, []uint16{500, 500})
	client.expectWriteSingle(regControl, ctrlClearAlarm)
	client.expectWriteSingle(regControl, ctrlEnable)
}

func newTestBase(t *testing.T) (*fakeRegisterClient, base.Base) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	client := newFakeRegisterClient(t)
	expectSetup(client)

	conf := Config{
		SerialPath:    "/dev/ttyUSB0",
		TrackWidthMM:  400,
		WheelRadiusMM: DefaultWheelRadius * 1000,
		MaxRPM:        150,
	}
	name := resource.NewName(base.API, "wheels")
	b, err := makeBase(ctx, conf, name, logger, client, nil)
	test.That(t, err, test.ShouldBeNil)
	return client, b
}

func TestBaseSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("construction issues the init sequence", func(t *testing.T) {
		client, _ := newTestBase(t)
		client.expectDone()
	})

	t.Run("defaults are applied with a warning", func(t *testing.T) {
		logger, obs := logging.NewObservedTestLogger(t)
		client := newFakeRegisterClient(t)
		expectSetup(client)

		conf := Config{SerialPath: "/dev/ttyUSB0", TrackWidthMM: 400}
		name := resource.NewName(base.API, "wheels")
		_, err := makeBase(ctx, conf, name, logger, client, nil)
		test.That(t, err, test.ShouldBeNil)
		client.expectDone()

		all := ""
		for _, line := range obs.All() {
			all += line.Entry.Message
		}
		test.That(t, all, test.ShouldContainSubstring, "wheel_radius_mm")
		test.That(t, all, test.ShouldContainSubstring, "max_rpm")
	})

	t.Run("a failed init surfaces the transport error", func(t *testing.T) {
		client := newFakeRegisterClient(t)
		client.ops = append(client.ops, registerOp{
			addr:   regOperationMode,
			single: uint16(ModeVelocity),
			err:    errors.New("no response from unit 1"),
		})
		client.expectWriteMultiple(regAccelTimeLeft, []uint16{500, 500})
		client.expectWriteMultiple(regDecelTimeLeft, []uint16{500, 500})
		client.expectWriteSingle(regControl, ctrlClearAlarm)
		client.expectWriteSingle(regControl, ctrlEnable)

		conf := Config{SerialPath: "/dev/ttyUSB0", TrackWidthMM: 400, WheelRadiusMM: 63.5, MaxRPM: 150}
		name := resource.NewName(base.API, "wheels")
		_, err := makeBase(ctx, conf, name, logging.NewTestLogger(t), client, nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "cannot initialize base")
		test.That(t, err.Error(), test.ShouldContainSubstring, "no response from unit 1")
	})
}

func TestBaseVelocityCommands(t *testing.T) {
	ctx := context.Background()
	client, b := newTestBase(t)

	t.Run("straight ahead", func(t *testing.T) {
		// 0.5 m/s is just over 75 rpm on the default wheel; the right
		// wheel command is mirrored.
		client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))
		client.expectWriteMultiple(regRPMCommandLeft, []uint16{75, 65461})
		test.That(t, b.SetVelocity(ctx, r3.Vector{Y: 500}, r3.Vector{}, nil), test.ShouldBeNil)
		client.expectDone()
	})

	t.Run("spin in place", func(t *testing.T) {
		// 45 deg/s on a 0.4m track turns both register commands the same
		// way because of the mirrored right wheel.
		client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))
		client.expectWriteMultiple(regRPMCommandLeft, []uint16{65513, 65513})
		test.That(t, b.SetVelocity(ctx, r3.Vector{}, r3.Vector{Z: 45}, nil), test.ShouldBeNil)
		client.expectDone()
	})

	t.Run("set power scales by max rpm", func(t *testing.T) {
		client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))
		client.expectWriteMultiple(regRPMCommandLeft, []uint16{75, 65461})
		test.That(t, b.SetPower(ctx, r3.Vector{Y: 0.5}, r3.Vector{}, nil), test.ShouldBeNil)
		client.expectDone()
	})

	t.Run("overspeed commands scale down, never fail", func(t *testing.T) {
		// 2 m/s asks for ~300 rpm against the 150 rpm ceiling.
		rpm := NewGeometry(DefaultWheelRadius).LinearToRPM(2.0)
		scaled := rpm * (150.0 / rpm)
		client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))
		client.expectWriteMultiple(regRPMCommandLeft, []uint16{encodeRPMCommand(scaled), encodeRPMCommand(-scaled)})
		test.That(t, b.SetVelocity(ctx, r3.Vector{Y: 2000}, r3.Vector{}, nil), test.ShouldBeNil)
		client.expectDone()
	})

	t.Run("stop", func(t *testing.T) {
		client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))
		client.expectWriteMultiple(regRPMCommandLeft, []uint16{0, 0})
		test.That(t, b.Stop(ctx, nil), test.ShouldBeNil)
		client.expectDone()
	})
}

func TestBasePositionMoves(t *testing.T) {
	ctx := context.Background()
	client, b := newTestBase(t)
	geom := NewGeometry(DefaultWheelRadius)

	t.Run("move straight", func(t *testing.T) {
		wheelDeg := 0.1 / geom.TravelPerRev * 360.0
		leftHi, leftLo := degreesToWords(wheelDeg)
		rightHi, rightLo := degreesToWords(-wheelDeg)

		client.expectWriteSingle(regOperationMode, uint16(ModeRelativePosition))
		client.expectWriteMultiple(regPositionRPMLeft, []uint16{30, 30})
		client.expectWriteSingle(regPositionControlType, positionSync)
		client.expectWriteMultiple(regRelAngleLeftHi, []uint16{leftHi, leftLo, rightHi, rightLo})
		client.expectWriteSingle(regControl, ctrlStartBoth)
		client.expectRead(regRPMFeedbackLeft, 2, []uint16{0, 0}, nil)
		client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))

		test.That(t, b.MoveStraight(ctx, 100, 200, nil), test.ShouldBeNil)
		client.expectDone()
	})

	t.Run("spin", func(t *testing.T) {
		trackWidth := 0.4
		arc := 90.0 / 360.0 * 3.141592653589793 * trackWidth
		wheelDeg := arc / geom.TravelPerRev * 360.0
		// Both register commands match: the left wheel runs backward and
		// the mirrored right wheel's forward command is negated.
		hi, lo := degreesToWords(-wheelDeg)

		client.expectWriteSingle(regOperationMode, uint16(ModeRelativePosition))
		client.expectWriteMultiple(regPositionRPMLeft, []uint16{23, 23})
		client.expectWriteSingle(regPositionControlType, positionSync)
		client.expectWriteMultiple(regRelAngleLeftHi, []uint16{hi, lo, hi, lo})
		client.expectWriteSingle(regControl, ctrlStartBoth)
		client.expectRead(regRPMFeedbackLeft, 2, []uint16{0, 0}, nil)
		client.expectWriteSingle(regOperationMode, uint16(ModeVelocity))

		test.That(t, b.Spin(ctx, 90, 45, nil), test.ShouldBeNil)
		client.expectDone()
	})

	t.Run("zero speed is rejected", func(t *testing.T) {
		test.That(t, b.MoveStraight(ctx, 100, 0, nil), test.ShouldNotBeNil)
		test.That(t, b.Spin(ctx, 90, 0, nil), test.ShouldNotBeNil)
		client.expectDone()
	})
}

func TestBaseFeedback(t *testing.T) {
	ctx := context.Background()
	client, b := newTestBase(t)

	t.Run("is moving", func(t *testing.T) {
		client.expectRead(regRPMFeedbackLeft, 2, []uint16{0, 0}, nil)
		moving, err := b.IsMoving(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, moving, test.ShouldBeFalse)

		client.expectRead(regRPMFeedbackLeft, 2, []uint16{100, 0}, nil)
		moving, err = b.IsMoving(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, moving, test.ShouldBeTrue)
		client.expectDone()
	})

	t.Run("properties", func(t *testing.T) {
		props, err := b.Properties(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, props.WidthMeters, test.ShouldAlmostEqual, 0.4, 1e-12)
		test.That(t, props.WheelCircumferenceMeters, test.ShouldAlmostEqual, NewGeometry(DefaultWheelRadius).TravelPerRev, 1e-12)
	})
}

func TestBaseDoCommand(t *testing.T) {
	ctx := context.Background()
	client, b := newTestBase(t)

	t.Run("fault query", func(t *testing.T) {
		client.expectRead(regFaultLeft, 2, []uint16{0x0002, 0x0000}, nil)
		resp, err := b.DoCommand(ctx, map[string]interface{}{Command: Fault})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["left_faulted"], test.ShouldBeTrue)
		test.That(t, resp["right_faulted"], test.ShouldBeFalse)
		test.That(t, resp["left_fault"], test.ShouldEqual, "under voltage")
		test.That(t, resp["right_fault"], test.ShouldEqual, "no fault")
		client.expectDone()
	})

	t.Run("odometry queries", func(t *testing.T) {
		client.expectRead(regPositionLeftHi, 4, []uint16{0, 16384, 0xFFFF, 0xC000}, nil)
		resp, err := b.DoCommand(ctx, map[string]interface{}{Command: Ticks})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["left_ticks"], test.ShouldEqual, int32(16384))
		test.That(t, resp["right_ticks"], test.ShouldEqual, int32(-16384))

		client.expectRead(regPositionLeftHi, 4, []uint16{0, 16384, 0, 0}, nil)
		resp, err = b.DoCommand(ctx, map[string]interface{}{Command: Traveled})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["left_m"], test.ShouldAlmostEqual, NewGeometry(DefaultWheelRadius).TravelPerRev, 1e-12)
		client.expectDone()
	})

	t.Run("mode query", func(t *testing.T) {
		client.expectRead(regOperationMode, 1, []uint16{3}, nil)
		resp, err := b.DoCommand(ctx, map[string]interface{}{Command: Mode})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["mode"], test.ShouldEqual, "velocity")
		client.expectDone()
	})

	t.Run("alarm and emergency stop", func(t *testing.T) {
		client.expectWriteSingle(regControl, ctrlClearAlarm)
		_, err := b.DoCommand(ctx, map[string]interface{}{Command: ClearAlarm})
		test.That(t, err, test.ShouldBeNil)

		client.expectWriteSingle(regControl, ctrlEmergencyStop)
		_, err = b.DoCommand(ctx, map[string]interface{}{Command: EmergencyStop})
		test.That(t, err, test.ShouldBeNil)
		client.expectDone()
	})

	t.Run("bad commands", func(t *testing.T) {
		_, err := b.DoCommand(ctx, map[string]interface{}{})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "missing")

		_, err = b.DoCommand(ctx, map[string]interface{}{Command: "warp"})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no such command")
		client.expectDone()
	})
}

func TestBaseClose(t *testing.T) {
	ctx := context.Background()
	client, b := newTestBase(t)

	client.expectWriteMultiple(regRPMCommandLeft, []uint16{0, 0})
	client.expectWriteSingle(regControl, ctrlDisable)
	test.That(t, b.Close(ctx), test.ShouldBeNil)
	client.expectDone()
}

func TestConfigValidation(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		jsonBlob := `{
			"serial_path": "/dev/ttyUSB0",
			"track_width_mm": 400,
			"wheel_radius_mm": 63.5,
			"slave_id": 1,
			"max_rpm": 150
		}`

		var cfg Config
		err := json.Unmarshal([]byte(jsonBlob), &cfg)
		test.That(t, err, test.ShouldBeNil)

		_, _, err = cfg.Validate("")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.TrackWidthMM, test.ShouldEqual, 400)
		test.That(t, cfg.WheelRadiusMM, test.ShouldEqual, 63.5)
	})

	t.Run("serial path is required", func(t *testing.T) {
		cfg := Config{TrackWidthMM: 400}
		_, _, err := cfg.Validate("")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "serial_path")
	})

	t.Run("track width is required", func(t *testing.T) {
		cfg := Config{SerialPath: "/dev/ttyUSB0"}
		_, _, err := cfg.Validate("")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "track_width_mm")
	})

	t.Run("slave id range", func(t *testing.T) {
		cfg := Config{SerialPath: "/dev/ttyUSB0", TrackWidthMM: 400, SlaveID: 300}
		_, _, err := cfg.Validate("")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "slave_id")
	})
}
