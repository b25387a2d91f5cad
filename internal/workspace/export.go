// internal/workspace/export.go
package workspace

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// ExportedObject is one {path, bytes} pair in git loose-object layout:
// objects/<aa>/<bb..> entries plus textual ref files and HEAD. The encoding is
// the git wire format, so oids survive a round trip bit-for-bit.
type ExportedObject struct {
	Path string
	Data []byte
}

// looseEncode produces zlib("<type> <size>\x00" + content).
func looseEncode(objType plumbing.ObjectType, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	header := fmt.Sprintf("%s %d\x00", objType.String(), len(content))
	if _, err := zw.Write([]byte(header)); err != nil {
		return nil, err
	}
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// looseDecode reverses looseEncode.
func looseDecode(data []byte) (plumbing.ObjectType, []byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return plumbing.InvalidObject, nil, fmt.Errorf("failed to open loose object: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return plumbing.InvalidObject, nil, fmt.Errorf("failed to inflate loose object: %w", err)
	}
	sep := bytes.IndexByte(raw, 0)
	if sep < 0 {
		return plumbing.InvalidObject, nil, fmt.Errorf("malformed loose object: missing header terminator")
	}
	header := string(raw[:sep])
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return plumbing.InvalidObject, nil, fmt.Errorf("malformed loose object header %q", header)
	}
	objType, err := plumbing.ParseObjectType(parts[0])
	if err != nil {
		return plumbing.InvalidObject, nil, err
	}
	size, err := strconv.Atoi(parts[1])
	if err != nil {
		return plumbing.InvalidObject, nil, fmt.Errorf("malformed loose object size %q", parts[1])
	}
	content := raw[sep+1:]
	if len(content) != size {
		return plumbing.InvalidObject, nil, fmt.Errorf("loose object size mismatch: header %d, body %d", size, len(content))
	}
	return objType, content, nil
}

func oidToLoosePath(oid string) string {
	return "objects/" + oid[:2] + "/" + oid[2:]
}

// encodedObjectBytes reads the raw content of one encoded object.
func (w *Workspace) encodedObjectBytes(obj plumbing.EncodedObject) ([]byte, error) {
	r, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ExportObjects streams out every object plus refs for external replay.
func (w *Workspace) ExportObjects() ([]ExportedObject, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []ExportedObject
	iter, err := w.repo.Storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate objects: %w", err)
	}
	err = iter.ForEach(func(obj plumbing.EncodedObject) error {
		content, err := w.encodedObjectBytes(obj)
		if err != nil {
			return err
		}
		encoded, err := looseEncode(obj.Type(), content)
		if err != nil {
			return err
		}
		out = append(out, ExportedObject{Path: oidToLoosePath(obj.Hash().String()), Data: encoded})
		return nil
	})
	if err != nil {
		return nil, err
	}

	branchRef := plumbing.NewBranchReferenceName(w.branch)
	if ref, err := w.repo.Reference(branchRef, true); err == nil {
		out = append(out, ExportedObject{
			Path: branchRef.String(),
			Data: []byte(ref.Hash().String() + "\n"),
		})
	}
	out = append(out, ExportedObject{
		Path: "HEAD",
		Data: []byte("ref: " + branchRef.String() + "\n"),
	})

	w.logger.Info("Exported git objects", zap.Int("count", len(out)))
	return out, nil
}

// ImportObjects rebuilds the object database and refs from an export and
// checks out the working tree at HEAD. The workspace must be freshly
// initialized.
func (w *Workspace) ImportObjects(objects []ExportedObject) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.importLocked(objects)
}

func (w *Workspace) importLocked(objects []ExportedObject) error {
	var headTarget plumbing.ReferenceName
	var refs []*plumbing.Reference

	for _, eo := range objects {
		switch {
		case strings.HasPrefix(eo.Path, "objects/"):
			objType, content, err := looseDecode(eo.Data)
			if err != nil {
				return fmt.Errorf("bad object at %s: %w", eo.Path, err)
			}
			obj := w.repo.Storer.NewEncodedObject()
			obj.SetType(objType)
			writer, err := obj.Writer()
			if err != nil {
				return err
			}
			if _, err := writer.Write(content); err != nil {
				return err
			}
			if err := writer.Close(); err != nil {
				return err
			}
			if _, err := w.repo.Storer.SetEncodedObject(obj); err != nil {
				return fmt.Errorf("failed to store object from %s: %w", eo.Path, err)
			}
		case eo.Path == "HEAD":
			target := strings.TrimSpace(strings.TrimPrefix(string(eo.Data), "ref:"))
			headTarget = plumbing.ReferenceName(strings.TrimSpace(target))
		case strings.HasPrefix(eo.Path, "refs/"):
			oid := strings.TrimSpace(string(eo.Data))
			refs = append(refs, plumbing.NewHashReference(plumbing.ReferenceName(eo.Path), plumbing.NewHash(oid)))
		}
	}

	for _, ref := range refs {
		if err := w.repo.Storer.SetReference(ref); err != nil {
			return fmt.Errorf("failed to set ref %s: %w", ref.Name(), err)
		}
	}
	if headTarget != "" {
		if err := w.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, headTarget)); err != nil {
			return fmt.Errorf("failed to set HEAD: %w", err)
		}
		if name := headTarget.Short(); name != "" {
			w.branch = name
		}
	}

	// Materialize the working tree so subsequent stage/commit calls see the
	// imported state.
	head, err := w.repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil // empty history
		}
		return err
	}
	wt, err := w.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to check out imported HEAD: %w", err)
	}
	return nil
}

// persistToStore mirrors any encoded objects the store does not yet hold,
// then advances the persisted branch ref. Objects are immutable once written.
func (w *Workspace) persistToStore(ctx context.Context) error {
	iter, err := w.repo.Storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return err
	}
	err = iter.ForEach(func(obj plumbing.EncodedObject) error {
		oid := obj.Hash().String()
		exists, err := w.store.HasObject(ctx, oid)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		content, err := w.encodedObjectBytes(obj)
		if err != nil {
			return err
		}
		encoded, err := looseEncode(obj.Type(), content)
		if err != nil {
			return err
		}
		return w.store.PutObject(ctx, oid, encoded)
	})
	if err != nil {
		return err
	}

	branchRef := plumbing.NewBranchReferenceName(w.branch)
	if ref, err := w.repo.Reference(branchRef, true); err == nil {
		if err := w.store.SetRef(ctx, branchRef.String(), ref.Hash().String()); err != nil {
			return err
		}
	}
	return nil
}

// loadFromStore restores objects and refs persisted by a previous process.
func (w *Workspace) loadFromStore(ctx context.Context) error {
	objects, err := w.store.ListObjects(ctx)
	if err != nil {
		return err
	}
	refs, err := w.store.ListRefs(ctx)
	if err != nil {
		return err
	}
	if len(objects) == 0 && len(refs) == 0 {
		return nil
	}

	var exported []ExportedObject
	for oid, data := range objects {
		exported = append(exported, ExportedObject{Path: oidToLoosePath(oid), Data: data})
	}
	for name, target := range refs {
		exported = append(exported, ExportedObject{Path: name, Data: []byte(target + "\n")})
	}
	exported = append(exported, ExportedObject{
		Path: "HEAD",
		Data: []byte("ref: " + plumbing.NewBranchReferenceName(w.branch).String() + "\n"),
	})
	return w.importLocked(exported)
}
