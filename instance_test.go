package rtas

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/rtas/gpucore"
)

func TestWireTransformTransposes(t *testing.T) {
	// Column-major: columns are (1,5,9,_), (2,6,10,_), (3,7,11,_), (4,8,12,_).
	m := f32.Mat4{
		1, 5, 9, 0,
		2, 6, 10, 0,
		3, 7, 11, 0,
		4, 8, 12, 1,
	}
	got := wireTransform(m)
	want := f32.Aff4{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if got != want {
		t.Errorf("wireTransform() = %v, want %v", got, want)
	}
}

func TestTranslationLandsInLastColumn(t *testing.T) {
	a := wireTransform(Translation(3, -4, 5))
	if a[3] != 3 || a[7] != -4 || a[11] != 5 {
		t.Errorf("translation column = (%v, %v, %v), want (3, -4, 5)", a[3], a[7], a[11])
	}
	if a[0] != 1 || a[5] != 1 || a[10] != 1 {
		t.Errorf("rotation part = %v, want identity", a)
	}
}

func TestEncodeInstanceLayout(t *testing.T) {
	inst := Instance{
		Transform:       Translation(1, 2, 3),
		CustomIndex:     0x123456,
		Mask:            0xA5,
		SBTRecordOffset: 0x000102,
		Flags:           InstanceForceOpaque | InstanceTriangleFacingCullDisable,
	}
	buf := make([]byte, InstanceRecordSize)
	encodeInstance(buf, &inst, 0xDEADBEEF00)

	if got := math.Float32frombits(binary.LittleEndian.Uint32(buf[12:])); got != 1 {
		t.Errorf("row 0 translation = %v, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(buf[48:]); got != 0xA5123456 {
		t.Errorf("word at 48 = %#x, want 0xa5123456", got)
	}
	if got := binary.LittleEndian.Uint32(buf[52:]); got != 0x05000102 {
		t.Errorf("word at 52 = %#x, want 0x05000102", got)
	}
	if got := binary.LittleEndian.Uint64(buf[56:]); got != 0xDEADBEEF00 {
		t.Errorf("address = %#x, want 0xdeadbeef00", got)
	}
}

func TestDecodeInstanceRoundTrip(t *testing.T) {
	inst := NewInstance(2, Translation(-7, 0.5, 9))
	inst.CustomIndex = 42
	inst.SBTRecordOffset = 3
	inst.Flags = InstanceTriangleFlipFacing

	buf := make([]byte, InstanceRecordSize)
	encodeInstance(buf, &inst, 0x4000)
	got, addr := decodeInstance(buf)

	if addr != 0x4000 {
		t.Errorf("address = %#x, want 0x4000", addr)
	}
	if got.BottomLevel != -1 {
		t.Errorf("BottomLevel = %d, want -1", got.BottomLevel)
	}
	inst.BottomLevel = -1
	if got != inst {
		t.Errorf("decodeInstance() = %+v, want %+v", got, inst)
	}
}

func TestNewInstanceVisibleToAllRays(t *testing.T) {
	inst := NewInstance(0, Identity())
	if inst.Mask != 0xFF {
		t.Errorf("Mask = %#x, want 0xff", inst.Mask)
	}
	if inst.Flags != 0 || inst.CustomIndex != 0 {
		t.Errorf("NewInstance() = %+v, want zero flags and custom index", inst)
	}
}

func TestInstanceValidate(t *testing.T) {
	tests := []struct {
		name string
		inst Instance
		want error
	}{
		{"valid", NewInstance(1, Identity()), nil},
		{"negative index", NewInstance(-1, Identity()), ErrNoBottomLevel},
		{"index out of range", NewInstance(2, Identity()), ErrNoBottomLevel},
		{"custom index too wide", Instance{CustomIndex: 1 << 24}, ErrInvalidInstance},
		{"record offset too wide", Instance{SBTRecordOffset: 1 << 24}, ErrInvalidInstance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.inst.validate(0, 2)
			if tt.want == nil {
				if err != nil {
					t.Errorf("validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

// decodeInstance reads one record back. BottomLevel is left at -1 since
// records carry addresses, not indices.
func decodeInstance(src []byte) (Instance, gpucore.DeviceAddress) {
	var aff f32.Aff4
	for i := range aff {
		aff[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	var m f32.Mat4
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m[c*4+r] = aff[r*4+c]
		}
	}
	m[15] = 1

	w0 := binary.LittleEndian.Uint32(src[48:])
	w1 := binary.LittleEndian.Uint32(src[52:])
	return Instance{
		BottomLevel:     -1,
		Transform:       m,
		CustomIndex:     w0 & maxInstanceField,
		Mask:            uint8(w0 >> 24),
		SBTRecordOffset: w1 & maxInstanceField,
		Flags:           InstanceFlags(w1 >> 24),
	}, gpucore.DeviceAddress(binary.LittleEndian.Uint64(src[56:]))
}
