package cloudsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
)

const (
	lfsMediaType   = "application/vnd.git-lfs+json"
	ndjsonType     = "application/x-ndjson"
	sampleSize     = 512
	commitTimeForm = "2006-01-02 15:04:05"
)

// Backup commits the current local file to the repository under the same
// file name.
func (c *Client) Backup(ctx context.Context, target Target, localPath string) Result {
	res := Result{Op: OpBackup, Path: localPath, At: c.now()}
	if strings.TrimSpace(target.Token) == "" {
		res.Err = fmt.Errorf("%w: missing HF token", ErrNotConfigured)
		log.Printf("❌ Cloud backup failed: %v", res.Err)
		return res
	}
	if !target.Enabled() {
		res.Err = ErrNotConfigured
		log.Printf("❌ Cloud backup failed: %v", res.Err)
		return res
	}

	log.Printf("[*] Backing up %s -> %s ...", localPath, target.RepoID)
	if err := c.backup(ctx, target, localPath, res.At.Format(commitTimeForm)); err != nil {
		res.Err = fmt.Errorf("backup %s to %s: %w", remoteName(localPath), target.RepoID, err)
		log.Printf("❌ Cloud backup failed: %v", res.Err)
		return res
	}
	log.Printf("✅ Cloud backup pushed to dataset [%s]", target.RepoID)
	return res
}

// upload describes the file being committed.
type upload struct {
	path    string
	content []byte
	oid     string
}

func (c *Client) backup(ctx context.Context, target Target, localPath, stamp string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file: %w", err)
	}
	sum := sha256.Sum256(content)
	up := upload{
		path:    remoteName(localPath),
		content: content,
		oid:     hex.EncodeToString(sum[:]),
	}

	mode, err := c.preupload(ctx, target, up)
	if err != nil {
		return fmt.Errorf("preupload: %w", err)
	}
	if mode == "lfs" {
		if err := c.uploadLFS(ctx, target, up); err != nil {
			return fmt.Errorf("lfs upload: %w", err)
		}
	}
	if err := c.commit(ctx, target, up, mode, "Persist settings db at "+stamp); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type preuploadFile struct {
	Path   string `json:"path"`
	Sample string `json:"sample"`
	Size   int    `json:"size"`
	Sha    string `json:"sha,omitempty"`
}

type preuploadResponse struct {
	Files []struct {
		Path       string `json:"path"`
		UploadMode string `json:"uploadMode"`
	} `json:"files"`
}

// preupload asks the Hub whether the file goes inline or through LFS.
func (c *Client) preupload(ctx context.Context, target Target, up upload) (string, error) {
	sample := up.content
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	body := map[string]any{
		"files": []preuploadFile{{
			Path:   up.path,
			Sample: base64.StdEncoding.EncodeToString(sample),
			Size:   len(up.content),
			Sha:    up.oid,
		}},
	}

	var out preuploadResponse
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL(target.RepoID, "preupload"), target.Token,
		"application/json", nil, body, &out); err != nil {
		return "", err
	}
	for _, f := range out.Files {
		if f.Path == up.path {
			if f.UploadMode == "lfs" {
				return "lfs", nil
			}
			return "regular", nil
		}
	}
	return "regular", nil
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		Oid     string `json:"oid"`
		Size    int    `json:"size"`
		Actions struct {
			Upload *lfsAction `json:"upload"`
			Verify *lfsAction `json:"verify"`
		} `json:"actions"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

// uploadLFS pushes the content through the Git LFS batch API. Objects the
// server already holds come back without an upload action and are skipped.
func (c *Client) uploadLFS(ctx context.Context, target Target, up upload) error {
	batchURL := c.endpoint + "/datasets/" + target.RepoID + ".git/info/lfs/objects/batch"
	body := map[string]any{
		"operation": "upload",
		"transfers": []string{"basic"},
		"objects":   []map[string]any{{"oid": up.oid, "size": len(up.content)}},
		"hash_algo": "sha256",
		"ref":       map[string]string{"name": c.revision},
	}

	var batch lfsBatchResponse
	if err := c.doJSON(ctx, http.MethodPost, batchURL, target.Token, lfsMediaType,
		map[string]string{"Accept": lfsMediaType}, body, &batch); err != nil {
		return fmt.Errorf("batch: %w", err)
	}

	for _, obj := range batch.Objects {
		if obj.Oid != up.oid {
			continue
		}
		if obj.Error != nil {
			return fmt.Errorf("batch object %s: %d %s", obj.Oid, obj.Error.Code, obj.Error.Message)
		}
		if obj.Actions.Upload == nil {
			return nil
		}
		if _, chunked := obj.Actions.Upload.Header["chunk_size"]; chunked {
			return fmt.Errorf("multipart lfs upload is not supported for %s", up.path)
		}
		if err := c.doJSON(ctx, http.MethodPut, obj.Actions.Upload.Href, "", "",
			obj.Actions.Upload.Header, up.content, nil); err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		if v := obj.Actions.Verify; v != nil {
			verify := map[string]any{"oid": up.oid, "size": len(up.content)}
			if err := c.doJSON(ctx, http.MethodPost, v.Href, target.Token, lfsMediaType,
				v.Header, verify, nil); err != nil {
				return fmt.Errorf("verify object: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("batch response did not include object %s", up.oid)
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// commitPayload renders the NDJSON body of a commit request.
func commitPayload(up upload, mode, message string) ([]byte, error) {
	lines := []commitLine{{
		Key:   "header",
		Value: map[string]string{"summary": message, "description": ""},
	}}
	if mode == "lfs" {
		lines = append(lines, commitLine{
			Key: "lfsFile",
			Value: map[string]any{
				"path": up.path,
				"algo": "sha256",
				"oid":  up.oid,
				"size": len(up.content),
			},
		})
	} else {
		lines = append(lines, commitLine{
			Key: "file",
			Value: map[string]string{
				"path":     up.path,
				"content":  base64.StdEncoding.EncodeToString(up.content),
				"encoding": "base64",
			},
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (c *Client) commit(ctx context.Context, target Target, up upload, mode, message string) error {
	payload, err := commitPayload(up, mode, message)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, c.apiURL(target.RepoID, "commit"), target.Token,
		ndjsonType, nil, payload, nil)
}
