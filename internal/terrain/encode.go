package terrain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/klauspost/compress/zstd"
)

// blobMagic открывает упакованный артефакт
var blobMagic = [4]byte{'T', 'T', 'A', '1'}

const flagColors = 1 << 0

// ErrBadBlob возвращается при повреждённом или чужом блобе
var ErrBadBlob = errors.New("terrain: bad artifact blob")

// ErrCoordRange возвращается Pack для координаты вне int32
var ErrCoordRange = errors.New("terrain: tile coordinate out of int32 range")

var (
	blobEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	blobDecoder, _ = zstd.NewReader(nil)
)

// blobHeader: фиксированная часть блоба, little-endian
type blobHeader struct {
	Magic      [4]byte
	CoordX     int32
	CoordY     int32
	Resolution uint32
	Version    uint64
	Step       float32
	OriginX    float64
	OriginY    float64
	Flags      uint8
}

// EncodeHeightR32F кодирует высоты как текстуру R32Float (little-endian)
func EncodeHeightR32F(heights []float32) []byte {
	out := make([]byte, len(heights)*4)
	for i, h := range heights {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(h))
	}
	return out
}

// EncodeNormalRGBA8 кодирует нормали как текстуру RGBA8: компонента [-1..1] -> [0..255], альфа 255
func EncodeNormalRGBA8(normals [][3]float32) []byte {
	out := make([]byte, len(normals)*4)
	for i, n := range normals {
		out[i*4+0] = unorm8(n[0])
		out[i*4+1] = unorm8(n[1])
		out[i*4+2] = unorm8(n[2])
		out[i*4+3] = 255
	}
	return out
}

func unorm8(v float32) byte {
	return byte(clamp01(v*0.5+0.5) * 255)
}

// Pack сериализует артефакт и сжимает его zstd. Индексы не хранятся: они выводятся из разрешения.
// Координаты тайла в заголовке 32-битные, выходящие за диапазон отклоняются.
func Pack(a *Artifact) ([]byte, error) {
	if !fitsInt32(a.Coord.X) || !fitsInt32(a.Coord.Y) {
		return nil, fmt.Errorf("%w: %v", ErrCoordRange, a.Coord)
	}

	var buf bytes.Buffer
	h := blobHeader{
		Magic:      blobMagic,
		CoordX:     int32(a.Coord.X),
		CoordY:     int32(a.Coord.Y),
		Resolution: uint32(a.Resolution),
		Version:    a.Version,
		Step:       a.Step,
		OriginX:    a.Origin.X,
		OriginY:    a.Origin.Y,
	}
	if a.Colors != nil {
		h.Flags |= flagColors
	}

	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, section := range []interface{}{a.Heights, a.Normals} {
		if err := binary.Write(&buf, binary.LittleEndian, section); err != nil {
			return nil, fmt.Errorf("write section: %w", err)
		}
	}
	if a.Colors != nil {
		if err := binary.Write(&buf, binary.LittleEndian, a.Colors); err != nil {
			return nil, fmt.Errorf("write colors: %w", err)
		}
	}

	return blobEncoder.EncodeAll(buf.Bytes(), nil), nil
}

func fitsInt32(v int) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

// Unpack восстанавливает артефакт из блоба Pack
func Unpack(blob []byte) (*Artifact, error) {
	raw, err := blobDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}

	r := bytes.NewReader(raw)
	var h blobHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadBlob, err)
	}
	if h.Magic != blobMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadBlob, h.Magic[:])
	}
	n := int(h.Resolution)
	if n < 2 || n > 1<<14 {
		return nil, fmt.Errorf("%w: resolution %d", ErrBadBlob, n)
	}

	a := &Artifact{
		Coord:      vec.Vec2{X: int(h.CoordX), Y: int(h.CoordY)},
		Origin:     vec.Vec2Float{X: h.OriginX, Y: h.OriginY},
		Resolution: n,
		Step:       h.Step,
		Version:    h.Version,
		Heights:    make([]float32, n*n),
		Normals:    make([][3]float32, n*n),
	}
	if err := binary.Read(r, binary.LittleEndian, a.Heights); err != nil {
		return nil, fmt.Errorf("%w: heights: %v", ErrBadBlob, err)
	}
	if err := binary.Read(r, binary.LittleEndian, a.Normals); err != nil {
		return nil, fmt.Errorf("%w: normals: %v", ErrBadBlob, err)
	}
	if h.Flags&flagColors != 0 {
		a.Colors = make([][4]float32, n*n)
		if err := binary.Read(r, binary.LittleEndian, a.Colors); err != nil {
			return nil, fmt.Errorf("%w: colors: %v", ErrBadBlob, err)
		}
	}

	a.Indices = GridIndices(n)
	for i, v := range a.Heights {
		if i == 0 || v < a.MinHeight {
			a.MinHeight = v
		}
		if i == 0 || v > a.MaxHeight {
			a.MaxHeight = v
		}
	}
	return a, nil
}
