package shm

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		NewHeader(1280, 720, 0),
		NewHeader(1, 1, -1),
		NewHeader(3840, 2160, math.MaxInt64),
		NewHeader(640, 480, math.MinInt64),
		NewHeader(math.MaxInt32, 7, 1712345678901),
	}

	for _, want := range cases {
		raw := want.Encode()
		got, err := DecodeHeader(raw[:])
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestHeaderWireLayout(t *testing.T) {
	raw := NewHeader(1280, 720, 0x0102030405060708).Encode()

	assert.Equal(t, []byte{0xA7, 0x7C, 0xCA, 0x00}, raw[0:4], "magic")
	assert.Equal(t, []byte{0x00, 0x05, 0x00, 0x00}, raw[4:8], "width")
	assert.Equal(t, []byte{0xD0, 0x02, 0x00, 0x00}, raw[8:12], "height")
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, raw[12:20], "timestamp")
}

func TestDecodeHeaderRejectsCorruptMagic(t *testing.T) {
	valid := NewHeader(1280, 720, 42).Encode()

	// every value of every magic byte; only the unmodified magic decodes
	for pos := 0; pos < 4; pos++ {
		for v := 0; v < 256; v++ {
			raw := valid
			raw[pos] = byte(v)

			h, err := DecodeHeader(raw[:])
			if byte(v) == valid[pos] {
				require.NoError(t, err)
				assert.Equal(t, int32(1280), h.Width)
				continue
			}
			require.Truef(t, errors.Is(err, ErrHeaderInvalid), "byte %d = %#x", pos, v)
			assert.Equal(t, Header{}, h)
		}
	}
}

func TestDecodeHeaderRejectsTruncated(t *testing.T) {
	valid := NewHeader(1280, 720, 42).Encode()

	for n := 0; n < HeaderSize; n++ {
		_, err := DecodeHeader(valid[:n])
		assert.Truef(t, errors.Is(err, ErrHeaderInvalid), "length %d", n)
	}

	_, err := DecodeHeader(nil)
	assert.True(t, errors.Is(err, ErrHeaderInvalid))
}

func TestDecodeHeaderAllZero(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize))
	assert.True(t, errors.Is(err, ErrHeaderInvalid))
}

func TestEncodeHeaderShortDestination(t *testing.T) {
	err := EncodeHeader(make([]byte, HeaderSize-1), NewHeader(1, 1, 0))
	assert.True(t, errors.Is(err, ErrHeaderInvalid))
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		wantErr bool
	}{
		{"match", NewHeader(1280, 720, 0), false},
		{"wider", NewHeader(1920, 720, 0), true},
		{"taller", NewHeader(1280, 1080, 0), true},
		{"zero", NewHeader(0, 0, 0), true},
		{"negative", NewHeader(-1280, 720, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.Validate(1280, 720)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrDimensionMismatch))
		})
	}
}

func TestRegionSize(t *testing.T) {
	assert.Equal(t, 20+1280*720*4, RegionSize(1280, 720, false))
	assert.Equal(t, 20+1280*720*4+4, RegionSize(1280, 720, true))
	assert.Equal(t, 16, PayloadSize(2, 2))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "ok", Reason(nil))
	assert.Equal(t, "header_invalid", Reason(ErrHeaderInvalid))
	assert.Equal(t, "dimension_mismatch", Reason(errors.Wrap(ErrDimensionMismatch, "x")))
	assert.Equal(t, "torn_frame", Reason(ErrTornFrame))
	assert.Equal(t, "not_connected", Reason(&connectError{cause: ErrNotFound}))
	assert.Equal(t, "not_connected", Reason(ErrMapFailed))
	assert.Equal(t, "unknown", Reason(errors.New("boom")))
}
