package utils

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/quantmind-br/rrdp-go/internal/domain"
)

// RepositoryDir maps a notification URI to its repository directory under
// baseDir: the host followed by the directory part of the notification path.
// https://host.example/rrdp/notify.xml becomes <baseDir>/host.example/rrdp.
func RepositoryDir(baseDir, notifyURI string) (string, error) {
	u, err := url.Parse(notifyURI)
	if err != nil {
		return "", fmt.Errorf("invalid notification uri %q: %w", notifyURI, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("notification uri %q: unsupported scheme %q", notifyURI, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("notification uri %q: missing host", notifyURI)
	}

	dir := path.Dir(u.Path)
	rel := path.Join(strings.ToLower(u.Host), dir)
	return filepath.Join(baseDir, filepath.FromSlash(rel)), nil
}

// LocalPath maps a publish/withdraw URI to a path inside the repository
// directory. Both rsync:// and https:// object URIs are accepted; the
// scheme is dropped and host plus path become the relative location. A URI
// that would escape repoDir is rejected.
func LocalPath(repoDir, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid object uri %q: %w", uri, err)
	}
	if u.Scheme != "rsync" && u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("object uri %q: unsupported scheme %q", uri, u.Scheme)
	}
	if u.Host == "" || u.Path == "" || u.Path == "/" {
		return "", fmt.Errorf("object uri %q: missing host or path", uri)
	}

	// no dot segments: the mapped path must stay inside repoDir
	for _, seg := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if seg == "." || seg == ".." {
			return "", domain.ErrOutsideRepository
		}
	}

	rel := path.Join(strings.ToLower(u.Host), u.Path)
	return filepath.Join(repoDir, filepath.FromSlash(rel)), nil
}
