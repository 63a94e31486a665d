package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bryanwahyu/custodia/internal/domain/evidence"
)

// fakeS3 speaks just enough of the multipart API for PutObject. HEAD on an
// object always misses, like a stat that lost the race to another writer,
// so only the conditional completion can stop an overwrite.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string]bool
	ifNoneMatch []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/evidence"), "/")
	q := r.URL.Query()

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPost && q.Has("uploads"):
		_, _ = io.WriteString(w, `<InitiateMultipartUploadResult><Bucket>evidence</Bucket><Key>`+key+`</Key><UploadId>up-1</UploadId></InitiateMultipartUploadResult>`)
	case r.Method == http.MethodPut && q.Has("partNumber"):
		w.Header().Set("ETag", `"part-etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && q.Has("uploadId"):
		f.ifNoneMatch = append(f.ifNoneMatch, r.Header.Get("If-None-Match"))
		if f.objects[key] && r.Header.Get("If-None-Match") == "*" {
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = io.WriteString(w, `<Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message><Key>`+key+`</Key><BucketName>evidence</BucketName></Error>`)
			return
		}
		f.objects[key] = true
		_, _ = io.WriteString(w, `<CompleteMultipartUploadResult><Bucket>evidence</Bucket><Key>`+key+`</Key><ETag>"obj-etag"</ETag></CompleteMultipartUploadResult>`)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestMinioPutIsConditional(t *testing.T) {
	fake := &fakeS3{objects: map[string]bool{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	s, err := NewMinio(ctx, MinioConfig{
		Endpoint:   strings.TrimPrefix(srv.URL, "http://"),
		AccessKey:  "access",
		SecretKey:  "secret-key",
		BucketName: "evidence",
		Region:     "us-east-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.Put(ctx, "evidence/ab/abc.enc", strings.NewReader("ciphertext"))
	if err != nil || n != 10 {
		t.Fatalf("Put = %d, %v", n, err)
	}
	if _, err := s.Put(ctx, "evidence/ab/abc.enc", strings.NewReader("other")); !errors.Is(err, evidence.ErrBlobExists) {
		t.Fatalf("overwrite after stale stat: err = %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.ifNoneMatch) != 2 {
		t.Fatalf("complete requests = %d", len(fake.ifNoneMatch))
	}
	for _, h := range fake.ifNoneMatch {
		if h != "*" {
			t.Fatalf("If-None-Match = %q", h)
		}
	}
}
