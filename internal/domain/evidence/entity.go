package evidence

import (
	"path/filepath"
	"strings"
	"time"
)

type ID string

// State is the lifecycle position of an evidence item. It only moves forward.
type State string

const (
	StateUploaded        State = "UPLOADED"
	StateAnalyzed        State = "ANALYZED"
	StateVerified        State = "VERIFIED"
	StateIntegrityFailed State = "INTEGRITY_FAILED"
)

var stateRank = map[State]int{
	StateUploaded:        1,
	StateAnalyzed:        2,
	StateVerified:        3,
	StateIntegrityFailed: 4,
}

func (s State) Valid() bool { _, ok := stateRank[s]; return ok }

// Advance returns the later of s and next. INTEGRITY_FAILED is terminal.
func (s State) Advance(next State) State {
	if stateRank[next] > stateRank[s] {
		return next
	}
	return s
}

type Type string

const (
	TypeImage       Type = "IMAGE"
	TypeVideo       Type = "VIDEO"
	TypeAudio       Type = "AUDIO"
	TypeDocument    Type = "DOCUMENT"
	TypeEmail       Type = "EMAIL"
	TypeWebCapture  Type = "WEB_CAPTURE"
	TypeDigitalData Type = "DIGITAL_DATA"
	TypeOther       Type = "OTHER"
)

var typeByExt = map[string]Type{
	".jpg": TypeImage, ".jpeg": TypeImage, ".png": TypeImage, ".gif": TypeImage,
	".bmp": TypeImage, ".tif": TypeImage, ".tiff": TypeImage, ".webp": TypeImage, ".heic": TypeImage,
	".mp4": TypeVideo, ".avi": TypeVideo, ".mov": TypeVideo, ".mkv": TypeVideo, ".wmv": TypeVideo, ".webm": TypeVideo,
	".mp3": TypeAudio, ".wav": TypeAudio, ".ogg": TypeAudio, ".flac": TypeAudio, ".m4a": TypeAudio, ".aac": TypeAudio,
	".pdf": TypeDocument, ".doc": TypeDocument, ".docx": TypeDocument, ".odt": TypeDocument,
	".txt": TypeDocument, ".rtf": TypeDocument, ".xls": TypeDocument, ".xlsx": TypeDocument,
	".eml": TypeEmail, ".msg": TypeEmail, ".mbox": TypeEmail,
	".html": TypeWebCapture, ".htm": TypeWebCapture, ".mhtml": TypeWebCapture, ".warc": TypeWebCapture,
	".json": TypeDigitalData, ".csv": TypeDigitalData, ".xml": TypeDigitalData, ".sqlite": TypeDigitalData,
	".db": TypeDigitalData, ".log": TypeDigitalData, ".zip": TypeDigitalData,
}

// TypeFromFilename classifies by extension, falling back to TypeOther.
func TypeFromFilename(name string) Type {
	if t, ok := typeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return TypeOther
}

// Item is a committed piece of evidence. Digests, size, key reference and
// blob key never change after commit.
type Item struct {
	ID               ID        `json:"id"`
	CaseRef          string    `json:"case_ref"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	Type             Type      `json:"evidence_type"`
	Description      string    `json:"description,omitempty"`
	Size             int64     `json:"size"`
	SHA256           string    `json:"sha256"`
	SHA512           string    `json:"sha512"`
	KeyRef           string    `json:"-"`
	BlobKey          string    `json:"-"`
	UploadedBy       string    `json:"uploaded_by"`
	State            State     `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Metadata accompanies an upload.
type Metadata struct {
	CaseRef      string
	Filename     string
	ContentType  string
	Description  string
	Actor        string
	ClientOrigin string
	UserAgent    string
}

// Access describes who is reading an item and how.
type Access struct {
	Download     bool
	Actor        string
	ClientOrigin string
	UserAgent    string
}

type VerificationResult struct {
	EvidenceID  ID        `json:"evidence_id"`
	IntegrityOK bool      `json:"integrity_ok"`
	SHA256Match bool      `json:"sha256_match"`
	SHA512Match bool      `json:"sha512_match"`
	AuthOK      bool      `json:"auth_ok"`
	SHA256      string    `json:"sha256_calculated,omitempty"`
	SHA512      string    `json:"sha512_calculated,omitempty"`
	State       State     `json:"state"`
	Sequence    int64     `json:"custody_sequence"`
	VerifiedAt  time.Time `json:"verified_at"`
}

type Stats struct {
	Total     int           `json:"total"`
	TotalSize int64         `json:"total_size"`
	ByState   map[State]int `json:"by_state"`
	ByType    map[Type]int  `json:"by_type"`
}
