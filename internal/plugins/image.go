package plugins

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

// ImageMetadata reports image dimensions and the EXIF camera, date and GPS
// tags of JPEG evidence.
type ImageMetadata struct {
	MaxBytes int64
}

type ImageReport struct {
	Format  string    `json:"format"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	HasExif bool      `json:"has_exif"`
	Exif    *ExifData `json:"exif,omitempty"`
}

func (ImageMetadata) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "exif_extractor",
		Version:      "1.0.0",
		Capability:   plugin.CapImageMetadata,
		Description:  "Extracts image dimensions and EXIF metadata (camera, original date, GPS)",
		Extensions:   []string{".jpg", ".jpeg", ".png", ".gif"},
		ContentTypes: []string{"image/jpeg", "image/png", "image/gif"},
		Enabled:      true,
	}
}

func (m ImageMetadata) Execute(ctx context.Context, ref plugin.EvidenceRef) plugin.Outcome {
	rc, err := ref.Open(ctx)
	if err != nil {
		return plugin.Failed(err)
	}
	defer rc.Close()

	limit := m.MaxBytes
	if limit <= 0 {
		limit = 64 << 20
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return plugin.Failed(err)
	}
	plugin.ReportProgress(ctx, 40)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return plugin.Failedf("unsupported or corrupt image: %v", err)
	}
	rep := ImageReport{Format: format, Width: cfg.Width, Height: cfg.Height}
	if format == "jpeg" {
		if tiff := jpegExifSegment(data); tiff != nil {
			exif, err := parseExif(tiff)
			if err != nil {
				return plugin.Failedf("malformed EXIF: %v", err)
			}
			rep.HasExif = true
			rep.Exif = exif
		}
	}
	return plugin.Succeeded(rep)
}

// jpegExifSegment returns the TIFF payload of the first APP1 Exif segment.
func jpegExifSegment(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return nil
		}
		marker := data[i+1]
		if marker == 0xD9 || marker == 0xDA { // EOI, SOS
			return nil
		}
		size := int(data[i+2])<<8 | int(data[i+3])
		if size < 2 || i+2+size > len(data) {
			return nil
		}
		seg := data[i+4 : i+2+size]
		if marker == 0xE1 && len(seg) > 6 && string(seg[:6]) == "Exif\x00\x00" {
			return seg[6:]
		}
		i += 2 + size
	}
	return nil
}

func (r ImageReport) String() string {
	return fmt.Sprintf("%s %dx%d exif=%v", r.Format, r.Width, r.Height, r.HasExif)
}
