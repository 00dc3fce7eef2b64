package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// createBlobTx stores bytes as a content-addressed blob within tx,
// incrementing refcount instead of duplicating a row when the hash
// already exists.
func (s *Store) createBlobTx(ctx context.Context, tx *sql.Tx, data []byte, mimeType string) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM blobs WHERE hash = ?`, hash).Scan(&existing)
	if err == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?`, existing); err != nil {
			return "", fmt.Errorf("store: bump blob refcount: %w", err)
		}
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: lookup blob hash: %w", err)
	}

	id := newID("blob")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blobs (id, hash, bytes, mime_type, original_size, compressed_size, ref_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		id, hash, data, mimeType, len(data), len(data), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("store: insert blob: %w", err)
	}
	return id, nil
}

// ResolveBlob returns the stored bytes for a blob id. A zero-refcount
// (garbage-collected) blob is reported as BLOB_NOT_FOUND even if its row
// has not yet been physically swept.
func (s *Store) ResolveBlob(ctx context.Context, id string) (types.Blob, []byte, error) {
	var b types.Blob
	var data []byte
	var createdAt int64
	var tag sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hash, bytes, mime_type, original_size, compressed_size, compression_tag, ref_count, created_at
		FROM blobs WHERE id = ?`, id).
		Scan(&b.ID, &b.Hash, &data, &b.MimeType, &b.OriginalSize, &b.CompressedSize, &tag, &b.RefCount, &createdAt)
	if err == sql.ErrNoRows || (err == nil && b.RefCount <= 0) {
		return types.Blob{}, nil, apierr.New(apierr.CodeBlobNotFound, "blob not found")
	}
	if err != nil {
		return types.Blob{}, nil, fmt.Errorf("store: resolve blob: %w", err)
	}
	b.CompressionTag = tag.String
	b.Bytes = int64(len(data))
	b.CreatedAt = time.UnixMilli(createdAt)
	return b, data, nil
}

// ReleaseBlob decrements a blob's refcount, physically deleting the row
// once it reaches zero.
func (s *Store) ReleaseBlob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var refCount int
	if err := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE id = ?`, id).Scan(&refCount); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	if refCount <= 1 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count - 1 WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
