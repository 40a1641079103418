package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

func TestFieldsSurviveEncodingWithUnknownIDs(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(10, "rad:z3gqcJUoA1n9HaHKufZs5FCSGazv5"),
		U64(11, 42),
		{ID: 0x7fff, Type: 0xee, Value: []byte("future")},
		Bytes(12, nil),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d fields, got %d", len(in), len(out))
	}
	if out[2].ID != 0x7fff || out[2].Type != 0xee || string(out[2].Value) != "future" {
		t.Fatalf("unknown field not carried through: %+v", out[2])
	}
	if out[3].Value != nil {
		t.Fatalf("empty value should decode as nil, got %v", out[3].Value)
	}
}

func TestDecodeFieldsTruncated(t *testing.T) {
	testlog.Start(t)
	whole := EncodeFields([]Field{U32(1, 7), String(2, "object")})
	cases := []struct {
		name string
		cut  int
		want error
	}{
		{"inside first header", 3, ErrShortFieldHeader},
		{"inside first value", HeaderLen + 2, ErrShortFieldValue},
		{"inside second header", HeaderLen + 4 + 1, ErrShortFieldHeader},
		{"inside second value", len(whole) - 1, ErrShortFieldValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeFields(whole[:tc.cut]); !errors.Is(err, tc.want) {
				t.Fatalf("cut=%d: expected %v, got %v", tc.cut, tc.want, err)
			}
		})
	}
	if fields, err := DecodeFields(nil); err != nil || len(fields) != 0 {
		t.Fatalf("empty payload: fields=%v err=%v", fields, err)
	}
}

func TestDecodedValuesDoNotAliasPayload(t *testing.T) {
	testlog.Start(t)
	payload := EncodeFields([]Field{Bytes(1, []byte{1, 2, 3})})
	fields, err := DecodeFields(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload[len(payload)-1] = 0xff
	if !bytes.Equal(fields[0].Value, []byte{1, 2, 3}) {
		t.Fatalf("decoded value changed with payload: %v", fields[0].Value)
	}
}

func TestAccessors(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name  string
		field Field
		read  func(Field) (any, error)
		want  any
	}{
		{"u8", U8(1, 3), func(f Field) (any, error) { return f.Uint8() }, uint8(3)},
		{"u16", U16(1, 9470), func(f Field) (any, error) { return f.Uint16() }, uint16(9470)},
		{"u32", U32(1, 65536), func(f Field) (any, error) { return f.Uint32() }, uint32(65536)},
		{"u64", U64(1, 1<<42), func(f Field) (any, error) { return f.Uint64() }, uint64(1 << 42)},
		{"bool", Bool(1, true), func(f Field) (any, error) { return f.Bool() }, true},
		{"string", String(1, "peerctl/0.1.0"), func(f Field) (any, error) { return f.Str() }, "peerctl/0.1.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.read(tc.field)
			if err != nil || got != tc.want {
				t.Fatalf("got %v (%v), want %v", got, err, tc.want)
			}
		})
	}
	raw, err := Bytes(1, []byte{0xde, 0xad}).Raw()
	if err != nil || !bytes.Equal(raw, []byte{0xde, 0xad}) {
		t.Fatalf("raw: %v %v", raw, err)
	}
}

func TestAccessorErrors(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name  string
		field Field
		read  func(Field) error
		want  error
	}{
		{"type mismatch", String(1, "x"), func(f Field) error { _, err := f.Uint64(); return err }, ErrTypeMismatch},
		{"short u32", Field{ID: 1, Type: TypeU32, Value: []byte{1, 2}}, func(f Field) error { _, err := f.Uint32(); return err }, ErrInvalidLength},
		{"long u8", Field{ID: 1, Type: TypeU8, Value: []byte{1, 2}}, func(f Field) error { _, err := f.Uint8(); return err }, ErrInvalidLength},
		{"bool out of range", Field{ID: 1, Type: TypeBool, Value: []byte{2}}, func(f Field) error { _, err := f.Bool(); return err }, ErrInvalidBool},
		{"raw on string", String(1, "x"), func(f Field) error { _, err := f.Raw(); return err }, ErrTypeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.read(tc.field); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGetFieldsKeepsOrder(t *testing.T) {
	testlog.Start(t)
	fields := []Field{String(5, "op-1"), U8(1, 0), String(5, "op-2"), String(5, "op-3")}
	got := GetFields(fields, 5)
	if len(got) != 3 {
		t.Fatalf("expected 3 repeated fields, got %d", len(got))
	}
	for i, want := range []string{"op-1", "op-2", "op-3"} {
		if s, _ := got[i].Str(); s != want {
			t.Fatalf("field %d = %q want %q", i, s, want)
		}
	}
	if f, ok := GetField(fields, 5); !ok || string(f.Value) != "op-1" {
		t.Fatalf("GetField should return the first occurrence, got %+v", f)
	}
	if _, ok := GetField(fields, 2); ok {
		t.Fatalf("missing id reported present")
	}
}
