package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bryanwahyu/custodia/internal/application"
	"github.com/bryanwahyu/custodia/internal/domain/custody"
	domain "github.com/bryanwahyu/custodia/internal/domain/evidence"
	"github.com/bryanwahyu/custodia/internal/hashing"
	"github.com/bryanwahyu/custodia/internal/vault"
)

// Service implements use-cases untuk evidence: commit, read, verify.
// Safe for concurrent use.
type Service struct {
	Repo   domain.Repository
	Ledger custody.Ledger
	Blobs  domain.BlobStore
	Vault  *vault.Vault
	Sealer *custody.Sealer
	Clock  application.Clock
	Log    *slog.Logger

	// MaxUploadBytes of zero means unlimited.
	MaxUploadBytes int64
	// PreAuthenticate makes Open check the whole ciphertext before any
	// plaintext is handed out.
	PreAuthenticate bool
	// OnCommit runs after a successful commit, e.g. to queue analyses.
	OnCommit func(ctx context.Context, it *domain.Item)
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Command untuk commit evidence baru
type CommitCommand = domain.Metadata

// Commit reads src once, hashing the plaintext and streaming ciphertext to
// blob storage, then records the item and its UPLOADED event atomically.
// Nothing is recorded if any step fails.
func (s *Service) Commit(ctx context.Context, src io.Reader, cmd CommitCommand) (*domain.Item, error) {
	filename := strings.TrimSpace(cmd.Filename)
	if filename == "" {
		return nil, domain.ErrEmptyFilename
	}
	filename = filepath.Base(filepath.Clean("/" + filename))
	actor := cmd.Actor
	if actor == "" {
		actor = "anonymous"
	}

	id := uuid.New().String()
	blobKey := fmt.Sprintf("evidence/%s/%s.enc", id[:2], id)

	in := &sourceReader{r: src, limit: s.MaxUploadBytes}
	hasher := hashing.New()
	pr, pw := io.Pipe()
	type sealed struct {
		ref vault.KeyRef
		err error
	}
	done := make(chan sealed, 1)
	go func() {
		w, ref, err := s.Vault.Seal(ctx, pw, id)
		if err == nil {
			_, err = io.Copy(w, io.TeeReader(in, hasher))
			if cerr := w.Close(); err == nil {
				err = cerr
			}
		}
		pw.CloseWithError(err)
		done <- sealed{ref: ref, err: err}
	}()

	_, putErr := s.Blobs.Put(ctx, blobKey, pr)
	pr.CloseWithError(io.ErrClosedPipe)
	res := <-done

	fail := func(err error) (*domain.Item, error) {
		if !errors.Is(err, domain.ErrBlobExists) {
			if derr := s.Blobs.Discard(context.WithoutCancel(ctx), blobKey); derr != nil {
				s.log().Error("discard uncommitted blob", "blob_key", blobKey, "err", derr)
			}
		}
		s.log().Warn("evidence commit failed", "case_ref", cmd.CaseRef, "filename", filename, "actor", actor, "err", err)
		return nil, err
	}
	switch {
	case in.tooLarge:
		return fail(domain.ErrTooLarge)
	case in.readErr != nil:
		return fail(fmt.Errorf("%w: %w", domain.ErrReadFailure, in.readErr))
	case res.err != nil:
		return fail(fmt.Errorf("%w: seal: %w", domain.ErrStorageFailure, res.err))
	case putErr != nil:
		return fail(putErr)
	case in.n == 0:
		return fail(domain.ErrEmptyFile)
	}

	d := hasher.Sum()
	now := s.Clock.Now()
	it := &domain.Item{
		ID:               domain.ID(id),
		CaseRef:          cmd.CaseRef,
		OriginalFilename: filename,
		ContentType:      cmd.ContentType,
		Type:             domain.TypeFromFilename(filename),
		Description:      cmd.Description,
		Size:             d.Size,
		SHA256:           d.SHA256,
		SHA512:           d.SHA512,
		KeyRef:           string(res.ref),
		BlobKey:          blobKey,
		UploadedBy:       actor,
		State:            domain.StateUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ev := &custody.Event{
		EvidenceID:   id,
		Action:       custody.ActionUploaded,
		Actor:        actor,
		ClientOrigin: cmd.ClientOrigin,
		UserAgent:    cmd.UserAgent,
		Notes:        fmt.Sprintf("sha256=%s size=%d", d.SHA256, d.Size),
		Timestamp:    now,
	}
	if _, err := s.Repo.CommitUpload(ctx, it, ev); err != nil {
		return fail(err)
	}

	s.log().Info("evidence committed", "evidence_id", id, "case_ref", it.CaseRef, "size", it.Size, "sha256", it.SHA256, "actor", actor)
	if s.OnCommit != nil {
		s.OnCommit(ctx, it)
	}
	return it, nil
}

// sourceReader tags what went wrong with the client stream so Commit can
// tell it apart from storage errors.
type sourceReader struct {
	r        io.Reader
	limit    int64
	n        int64
	tooLarge bool
	readErr  error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if s.limit > 0 && s.n > s.limit {
		s.tooLarge = true
		return n, domain.ErrTooLarge
	}
	if err != nil && err != io.EOF {
		s.readErr = err
	}
	return n, err
}

// Open records the access in the ledger and then returns the decrypted
// content. The event is durable before the first byte is returned.
func (s *Service) Open(ctx context.Context, id domain.ID, acc domain.Access) (*domain.Item, io.ReadCloser, error) {
	it, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.PreAuthenticate {
		if err := s.authenticate(ctx, it); err != nil {
			s.log().Error("evidence failed authentication on read", "evidence_id", id, "err", err)
			return nil, nil, err
		}
	}

	action := custody.ActionViewed
	if acc.Download {
		action = custody.ActionDownloaded
	}
	actor := acc.Actor
	if actor == "" {
		actor = "anonymous"
	}
	if _, err := s.Ledger.Append(ctx, &custody.Event{
		EvidenceID:   string(id),
		Action:       action,
		Actor:        actor,
		ClientOrigin: acc.ClientOrigin,
		UserAgent:    acc.UserAgent,
		Timestamp:    s.Clock.Now(),
	}); err != nil {
		return nil, nil, err
	}

	rc, err := s.plaintext(ctx, it)
	if err != nil {
		return nil, nil, err
	}
	return it, rc, nil
}

// OpenForAnalysis returns decrypted content for a plugin run. The run's own
// ANALYZED or ANALYSIS_FAILED event covers the access.
func (s *Service) OpenForAnalysis(ctx context.Context, id domain.ID) (io.ReadCloser, error) {
	it, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.plaintext(ctx, it)
}

func (s *Service) plaintext(ctx context.Context, it *domain.Item) (io.ReadCloser, error) {
	blob, err := s.Blobs.Get(ctx, it.BlobKey)
	if err != nil {
		return nil, err
	}
	pt, err := s.Vault.Open(ctx, blob, string(it.ID), vault.KeyRef(it.KeyRef))
	if err != nil {
		blob.Close()
		return nil, integrityErr(err)
	}
	return &plainReader{r: pt, c: blob}, nil
}

func (s *Service) authenticate(ctx context.Context, it *domain.Item) error {
	rc, err := s.plaintext(ctx, it)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

type plainReader struct {
	r io.Reader
	c io.Closer
}

func (p *plainReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		err = integrityErr(err)
	}
	return n, err
}

func (p *plainReader) Close() error { return p.c.Close() }

func integrityErr(err error) error {
	if errors.Is(err, vault.ErrAuthentication) {
		return fmt.Errorf("%w: %w", domain.ErrIntegrity, err)
	}
	return err
}

// Command untuk verify
type VerifyCommand struct {
	Actor        string
	ClientOrigin string
	UserAgent    string
}

// Verify decrypts and rehashes the stored ciphertext and compares against
// the digests recorded at commit. Every call appends a VERIFIED event; a
// mismatch or authentication failure moves the item to INTEGRITY_FAILED.
func (s *Service) Verify(ctx context.Context, id domain.ID, cmd VerifyCommand) (domain.VerificationResult, error) {
	it, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.VerificationResult{}, err
	}

	v := custody.Verification{AuthOK: true}
	rc, err := s.plaintext(ctx, it)
	switch {
	case errors.Is(err, domain.ErrIntegrity), errors.Is(err, domain.ErrBlobNotFound), errors.Is(err, vault.ErrInvalidKeyRef):
		v.AuthOK = false
	case err != nil:
		return domain.VerificationResult{}, err
	default:
		d, herr := hashing.Compute(rc)
		rc.Close()
		switch {
		case errors.Is(herr, domain.ErrIntegrity):
			v.AuthOK = false
		case herr != nil:
			return domain.VerificationResult{}, herr
		default:
			v.SHA256, v.SHA512 = d.SHA256, d.SHA512
			v.SHA256Match = hashing.Equal(d.SHA256, it.SHA256)
			v.SHA512Match = hashing.Equal(d.SHA512, it.SHA512)
		}
	}

	ok := v.AuthOK && v.SHA256Match && v.SHA512Match
	next := domain.StateVerified
	if !ok {
		next = domain.StateIntegrityFailed
	}
	actor := cmd.Actor
	if actor == "" {
		actor = "anonymous"
	}
	now := s.Clock.Now()
	state, seq, err := s.Repo.RecordVerification(ctx, id, next, &custody.Event{
		EvidenceID:   string(id),
		Action:       custody.ActionVerified,
		Actor:        actor,
		ClientOrigin: cmd.ClientOrigin,
		UserAgent:    cmd.UserAgent,
		Timestamp:    now,
		Verification: &v,
	})
	if err != nil {
		return domain.VerificationResult{}, err
	}

	if ok {
		s.log().Info("evidence verified", "evidence_id", id, "actor", actor, "seq", seq)
	} else {
		s.log().Error("evidence integrity failure", "evidence_id", id, "actor", actor,
			"auth_ok", v.AuthOK, "sha256_match", v.SHA256Match, "sha512_match", v.SHA512Match)
	}
	return domain.VerificationResult{
		EvidenceID:  id,
		IntegrityOK: ok,
		SHA256Match: v.SHA256Match,
		SHA512Match: v.SHA512Match,
		AuthOK:      v.AuthOK,
		SHA256:      v.SHA256,
		SHA512:      v.SHA512,
		State:       state,
		Sequence:    seq,
		VerifiedAt:  now,
	}, nil
}

func (s *Service) Get(ctx context.Context, id domain.ID) (*domain.Item, error) {
	return s.Repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, caseRef string, limit int) ([]*domain.Item, error) {
	return s.Repo.List(ctx, caseRef, limit)
}

func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.Repo.Stats(ctx)
}

// History yields the item's custody events from sequence from onwards.
func (s *Service) History(ctx context.Context, id domain.ID, from int64) (iter.Seq2[*custody.Event, error], error) {
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Ledger.History(ctx, string(id), from), nil
}

// VerifyChain re-derives the item's record hash chain.
func (s *Service) VerifyChain(ctx context.Context, id domain.ID) (custody.ChainReport, error) {
	if _, err := s.Repo.Get(ctx, id); err != nil {
		return custody.ChainReport{}, err
	}
	return s.Sealer.Verify(string(id), s.Ledger.History(ctx, string(id), 1))
}
