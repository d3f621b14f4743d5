package storage

import (
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
)

// OrganizedPath converts a filename into a short, deterministic,
// collision-spreading relative path so that a flat namespace of millions of
// files never produces directories with excessive entry counts. The shard
// prefix is taken from the cleaned name rather than a hash, trading perfect
// distribution for human-browsable, name-correlated paths.
//
//	testimage.png -> t/e/testimage.png
//	A.gif         -> a/a/A.gif
//	.hidden       -> misc/.hidden
//
// The function is pure: same filename in, same path out, independent of
// tenant, time, or backend. Only the last dot-segment counts as the
// extension; interior dots stay in the cleaned name for shard-character
// selection. Non-ASCII letters are stripped before selection, and the
// original filename is preserved unchanged at the leaf.
func OrganizedPath(filename string) string {
	base := filename
	if idx := strings.LastIndexByte(base, '.'); idx >= 0 {
		base = base[:idx]
	}

	cleaned := make([]byte, 0, len(base))
	for i := 0; i < len(base); i++ {
		c := base[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			cleaned = append(cleaned, c)
		}
	}

	switch len(cleaned) {
	case 0:
		return "misc/" + filename
	case 1:
		s := string(cleaned[0])
		return s + "/" + s + "/" + filename
	default:
		return string(cleaned[0]) + "/" + string(cleaned[1]) + "/" + filename
	}
}

// BaseFolder resolves the base folder ahead of the shard path from the
// upload options. Product assets split into images and files by MIME class.
func BaseFolder(opts UploadOptions, mimeType string) string {
	if !opts.UseOrganizedStructure {
		return strings.Trim(opts.Folder, "/")
	}
	switch opts.AssetType {
	case AssetTypeProduct:
		if strings.HasPrefix(mimeType, "image/") {
			return "product/images"
		}
		return "product/files"
	case AssetTypeCategory:
		return "category/images"
	case AssetTypeAsset:
		return "assets"
	default:
		return strings.Trim(opts.Folder, "/")
	}
}

// ObjectKey derives the full relative storage path for an upload request.
// Every key starts with a tenant segment so identical filenames from
// different tenants never collide in a shared bucket.
func ObjectKey(req *UploadRequest) string {
	segs := []string{"tenants", req.TenantID}

	if base := BaseFolder(req.Options, req.MimeType); base != "" {
		segs = append(segs, base)
	}

	if req.Options.UseOrganizedStructure {
		segs = append(segs, OrganizedPath(req.OriginalFilename))
	} else {
		segs = append(segs, FlatName(req.OriginalFilename))
	}

	return path.Join(segs...)
}

// FlatName generates a random leaf name for flat/legacy uploads, keeping
// the original extension.
func FlatName(filename string) string {
	return uuid.NewString() + path.Ext(filename)
}

// CleanStoragePath normalizes a storage path to the relative form all
// backends share: forward slashes, no leading slash, no ".." escapes.
func CleanStoragePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// TenantScoped prefixes a folder with the tenant segment unless it already
// carries one.
func TenantScoped(tenantID, folder string) string {
	folder = CleanStoragePath(folder)
	prefix := "tenants/" + tenantID
	if folder == "" {
		return prefix
	}
	if folder == prefix || strings.HasPrefix(folder, prefix+"/") {
		return folder
	}
	return prefix + "/" + folder
}

// MimeTypeByName guesses a MIME type from a filename extension, defaulting
// to application/octet-stream. Used by stats scanning where the backend
// does not report content types.
func MimeTypeByName(name string) string {
	if mt := mime.TypeByExtension(path.Ext(name)); mt != "" {
		if idx := strings.IndexByte(mt, ';'); idx > 0 {
			mt = mt[:idx]
		}
		return mt
	}
	return "application/octet-stream"
}
