/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package storage

import "bytes"
import "context"
import "io"
import "strings"
import "sync"

import "github.com/aws/aws-sdk-go-v2/aws"
import "github.com/aws/aws-sdk-go-v2/config"
import "github.com/aws/aws-sdk-go-v2/credentials"
import "github.com/aws/aws-sdk-go-v2/service/s3"
import "github.com/pkg/errors"

// S3 does not support append, so a retired segment is buffered whole
// (compressed) and written as one object <prefix>/<logId>.log[.ext].
type S3Archive struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string // custom endpoint for MinIO and friends
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
	Compress        string

	mu     sync.Mutex
	client *s3.Client
}

func NewS3Archive(s *SettingsT) *S3Archive {
	return &S3Archive{
		AccessKeyID:     s.S3AccessKeyID,
		SecretAccessKey: s.S3SecretAccessKey,
		Region:          s.S3Region,
		Endpoint:        s.S3Endpoint,
		Bucket:          s.S3Bucket,
		Prefix:          strings.TrimSuffix(s.S3Prefix, "/"),
		ForcePathStyle:  s.S3ForcePathStyle,
		Compress:        s.ArchiveCompress,
	}
}

func (a *S3Archive) ensureOpen(ctx context.Context) (*s3.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	var opts []func(*config.LoadOptions) error
	if a.Region != "" {
		opts = append(opts, config.WithRegion(a.Region))
	}
	if a.AccessKeyID != "" && a.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.AccessKeyID, a.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(ErrMetadata, err.Error())
	}
	var s3Opts []func(*s3.Options)
	if a.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(a.Endpoint)
		})
	}
	if a.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	a.client = s3.NewFromConfig(cfg, s3Opts...)
	return a.client, nil
}

func (a *S3Archive) key(name string) string {
	if a.Prefix == "" {
		return name
	}
	return a.Prefix + "/" + name
}

func (a *S3Archive) StoreSegment(logID uint32, r io.Reader) error {
	ctx := context.Background()
	client, err := a.ensureOpen(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw, err := compressTo(&buf, a.Compress)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(a.key(archiveObjectName(logID, a.Compress))),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}
