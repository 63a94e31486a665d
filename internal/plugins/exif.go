package plugins

import (
	"encoding/binary"
	"errors"
	"strings"
)

type ExifData struct {
	Make              string  `json:"make,omitempty"`
	Model             string  `json:"model,omitempty"`
	Software          string  `json:"software,omitempty"`
	Artist            string  `json:"artist,omitempty"`
	Copyright         string  `json:"copyright,omitempty"`
	DateTime          string  `json:"datetime,omitempty"`
	DateTimeOriginal  string  `json:"datetime_original,omitempty"`
	DateTimeDigitized string  `json:"datetime_digitized,omitempty"`
	Orientation       int     `json:"orientation,omitempty"`
	GPS               *GPSFix `json:"gps,omitempty"`
}

type GPSFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

const (
	tagMake              = 0x010F
	tagModel             = 0x0110
	tagOrientation       = 0x0112
	tagSoftware          = 0x0131
	tagDateTime          = 0x0132
	tagArtist            = 0x013B
	tagCopyright         = 0x8298
	tagExifIFD           = 0x8769
	tagGPSIFD            = 0x8825
	tagDateTimeOriginal  = 0x9003
	tagDateTimeDigitized = 0x9004

	gpsLatRef = 1
	gpsLat    = 2
	gpsLonRef = 3
	gpsLon    = 4

	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

var errBadTIFF = errors.New("bad TIFF structure")

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	value    []byte // the raw 4-byte value/offset field
}

type tiffReader struct {
	b  []byte
	bo binary.ByteOrder
}

func parseExif(b []byte) (*ExifData, error) {
	if len(b) < 8 {
		return nil, errBadTIFF
	}
	t := &tiffReader{b: b}
	switch string(b[:2]) {
	case "II":
		t.bo = binary.LittleEndian
	case "MM":
		t.bo = binary.BigEndian
	default:
		return nil, errBadTIFF
	}
	if t.bo.Uint16(b[2:4]) != 42 {
		return nil, errBadTIFF
	}
	ifd0, err := t.ifd(t.bo.Uint32(b[4:8]))
	if err != nil {
		return nil, err
	}

	out := &ExifData{}
	for _, e := range ifd0 {
		switch e.tag {
		case tagMake:
			out.Make = t.ascii(e)
		case tagModel:
			out.Model = t.ascii(e)
		case tagSoftware:
			out.Software = t.ascii(e)
		case tagArtist:
			out.Artist = t.ascii(e)
		case tagCopyright:
			out.Copyright = t.ascii(e)
		case tagDateTime:
			out.DateTime = t.ascii(e)
		case tagOrientation:
			if e.typ == typeShort {
				out.Orientation = int(t.bo.Uint16(e.value))
			}
		case tagExifIFD:
			sub, err := t.ifd(t.bo.Uint32(e.value))
			if err != nil {
				continue
			}
			for _, se := range sub {
				switch se.tag {
				case tagDateTimeOriginal:
					out.DateTimeOriginal = t.ascii(se)
				case tagDateTimeDigitized:
					out.DateTimeDigitized = t.ascii(se)
				}
			}
		case tagGPSIFD:
			if sub, err := t.ifd(t.bo.Uint32(e.value)); err == nil {
				out.GPS = t.gps(sub)
			}
		}
	}
	return out, nil
}

func (t *tiffReader) ifd(off uint32) ([]ifdEntry, error) {
	o := int(off)
	if o < 8 || o+2 > len(t.b) {
		return nil, errBadTIFF
	}
	n := int(t.bo.Uint16(t.b[o:]))
	o += 2
	if o+n*12 > len(t.b) {
		return nil, errBadTIFF
	}
	out := make([]ifdEntry, 0, n)
	for i := 0; i < n; i++ {
		p := t.b[o+i*12:]
		out = append(out, ifdEntry{
			tag:   t.bo.Uint16(p[0:2]),
			typ:   t.bo.Uint16(p[2:4]),
			count: t.bo.Uint32(p[4:8]),
			value: p[8:12],
		})
	}
	return out, nil
}

// data returns the bytes of an entry, inline or at its offset.
func (t *tiffReader) data(e ifdEntry, size int) []byte {
	n := size * int(e.count)
	if n <= 4 {
		return e.value[:n]
	}
	off := int(t.bo.Uint32(e.value))
	if off < 0 || off+n > len(t.b) {
		return nil
	}
	return t.b[off : off+n]
}

func (t *tiffReader) ascii(e ifdEntry) string {
	return strings.TrimSpace(strings.TrimRight(string(t.data(e, 1)), "\x00"))
}

func (t *tiffReader) rationals(e ifdEntry) []float64 {
	if e.typ != typeRational {
		return nil
	}
	raw := t.data(e, 8)
	var out []float64
	for i := 0; i+8 <= len(raw); i += 8 {
		num, den := t.bo.Uint32(raw[i:]), t.bo.Uint32(raw[i+4:])
		if den == 0 {
			return nil
		}
		out = append(out, float64(num)/float64(den))
	}
	return out
}

func (t *tiffReader) gps(entries []ifdEntry) *GPSFix {
	var latRef, lonRef string
	var lat, lon []float64
	for _, e := range entries {
		switch e.tag {
		case gpsLatRef:
			latRef = t.ascii(e)
		case gpsLonRef:
			lonRef = t.ascii(e)
		case gpsLat:
			lat = t.rationals(e)
		case gpsLon:
			lon = t.rationals(e)
		}
	}
	if len(lat) != 3 || len(lon) != 3 {
		return nil
	}
	fix := &GPSFix{
		Latitude:  lat[0] + lat[1]/60 + lat[2]/3600,
		Longitude: lon[0] + lon[1]/60 + lon[2]/3600,
	}
	if latRef == "S" {
		fix.Latitude = -fix.Latitude
	}
	if lonRef == "W" {
		fix.Longitude = -fix.Longitude
	}
	return fix
}
