package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FileArchiveSink writes archived rows as newline-delimited JSON under a
// local directory — spec.md's default cold storage (§6: ".aeon/archive/").
type FileArchiveSink struct {
	Dir string
}

func NewFileArchiveSink(dir string) *FileArchiveSink {
	return &FileArchiveSink{Dir: dir}
}

func (s *FileArchiveSink) Write(_ context.Context, filename string, rows []Entry) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("file archive: create dir: %w", err)
	}

	var buf bytes.Buffer
	for _, e := range rows {
		line, err := MarshalArchiveLine(e)
		if err != nil {
			return fmt.Errorf("file archive: marshal entry %d: %w", e.ID, err)
		}
		buf.Write(line)
	}

	path := filepath.Join(s.Dir, filename)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("file archive: write %s: %w", path, err)
	}
	return nil
}

// S3ClientAPI is the narrow subset of *s3.Client this sink needs, so tests
// can substitute a fake without standing up a real S3 endpoint.
type S3ClientAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiveSink uploads archived rows as a single object per archive turn,
// the opt-in backend from SPEC_FULL.md §4.3.a (AEON_ARCHIVE_S3_BUCKET).
type S3ArchiveSink struct {
	Client S3ClientAPI
	Bucket string
	Prefix string
}

func NewS3ArchiveSink(client S3ClientAPI, bucket, prefix string) *S3ArchiveSink {
	return &S3ArchiveSink{Client: client, Bucket: bucket, Prefix: prefix}
}

func (s *S3ArchiveSink) Write(ctx context.Context, filename string, rows []Entry) error {
	var buf bytes.Buffer
	for _, e := range rows {
		line, err := MarshalArchiveLine(e)
		if err != nil {
			return fmt.Errorf("s3 archive: marshal entry %d: %w", e.ID, err)
		}
		buf.Write(line)
	}

	key := filename
	if s.Prefix != "" {
		key = filepath.Join(s.Prefix, filename)
	}

	body := bytes.NewReader(buf.Bytes())
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.Bucket,
		Key:    &key,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("s3 archive: put object: %w", err)
	}
	return nil
}
