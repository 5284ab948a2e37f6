// Package s3store is the alternate fsx.Store backend: the
// uploads/processed/output trees live as S3 keys instead of local files.
// Adapted from the teacher's internal/storage/s3.go, which only ever
// decrypted data downloaded from an upstream Ghost Server. Here the
// pipeline is the one writing the files, so only the modern GCM
// format is implemented — the legacy CBC/no-magic-number decrypt paths
// existed solely for backward compatibility with files this service never
// produced, so they have no home here (see DESIGN.md).
package s3store

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/crypto/pbkdf2"
)

const gcmMagic = "GCM3NCR0"

// Store wraps an AWS S3 client, optionally encrypting object bodies at
// rest with AES-GCM under a key derived from a configured passphrase.
type Store struct {
	client     *s3.Client
	uploader   *s3manager.Uploader
	bucket     string
	passphrase string
	encrypt    bool
}

// New builds a Store. Pass an empty passphrase to disable at-rest
// encryption (encrypt is then forced false regardless of the flag).
func New(ctx context.Context, bucket, passphrase string, encrypt bool) (*Store, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if passphrase == "" {
		encrypt = false
	}
	cli := s3.NewFromConfig(cfg)
	return &Store{
		client:     cli,
		uploader:   s3manager.NewUploader(cli),
		bucket:     bucket,
		passphrase: passphrase,
		encrypt:    encrypt,
	}, nil
}

// Put uploads via the s3manager multipart uploader, so large converted
// artifacts or raw uploads stream in chunks rather than buffering a single
// PutObject call.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	body := data
	if s.encrypt {
		enc, err := encryptGCM(data, s.passphrase)
		if err != nil {
			return fmt.Errorf("encrypt object: %w", err)
		}
		body = enc
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if s.encrypt && len(data) >= len(gcmMagic) && string(data[:len(gcmMagic)]) == gcmMagic {
		return decryptGCM(data, s.passphrase)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteTree(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list tree %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("delete %s: %w", *obj.Key, err)
			}
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// encryptGCM encrypts plaintext with a passphrase-derived key, writing
// magic(8) + salt(16) + nonce(12) + ciphertext+tag.
func encryptGCM(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, 8+16+len(nonce)+len(ciphertext))
	out = append(out, []byte(gcmMagic)...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func decryptGCM(data []byte, passphrase string) ([]byte, error) {
	if len(data) < 8+16+12 {
		return nil, fmt.Errorf("gcm payload too short: %d bytes", len(data))
	}
	salt := data[8:24]
	nonce := data[24:36]
	ciphertext := data[36:]

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
