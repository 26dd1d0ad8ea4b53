package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownCodec is returned by CodecFor for an unsupported name.
var ErrUnknownCodec = errors.New("unknown state codec")

// Codec converts a State to and from bytes. Decode validates the result.
type Codec interface {
	Name() string
	ContentType() string
	Extension() string
	Encode(s *State) ([]byte, error)
	Decode(data []byte) (*State, error)
}

// CodecFor returns the codec registered under name ("json" or "cbor").
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// CodecForPath picks a codec by file extension: .cbor is CBOR, anything else
// JSON.
func CodecForPath(path string) Codec {
	if strings.EqualFold(filepath.Ext(path), CBORCodec{}.Extension()) {
		return CBORCodec{}
	}
	return JSONCodec{}
}

// ReadFile decodes and validates the state stored at path.
func ReadFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	st, err := CodecForPath(path).Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// JSONCodec stores states as JSON, matching the layout of trained weight files.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }
func (JSONCodec) Extension() string   { return ".json" }

func (JSONCodec) Encode(s *State) ([]byte, error) {
	return json.Marshal(s)
}

func (JSONCodec) Decode(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// CBORCodec stores states as CBOR. Field names follow the json tags.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	enc := cbor.CanonicalEncOptions()
	enc.Time = cbor.TimeRFC3339Nano
	if cborEnc, err = enc.EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{MaxArrayElements: 1 << 24}).DecMode(); err != nil {
		panic(err)
	}
}

func (CBORCodec) Name() string        { return "cbor" }
func (CBORCodec) ContentType() string { return "application/cbor" }
func (CBORCodec) Extension() string   { return ".cbor" }

func (CBORCodec) Encode(s *State) ([]byte, error) {
	return cborEnc.Marshal(s)
}

func (CBORCodec) Decode(data []byte) (*State, error) {
	var s State
	if err := cborDec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
