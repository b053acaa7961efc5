package empkg

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// SourceSpec is one entry of the source list.
type SourceSpec struct {
	Raw        string // entry as written, used to match noextract/template
	Name       string // explicit file name from "name::url", may be empty
	Location   string // local path or URL
	NoExtract  bool
	IsTemplate bool
}

// ParseSource splits the optional "name::" prefix off a source entry.
func ParseSource(raw string) SourceSpec {
	spec := SourceSpec{Raw: raw, Location: raw}
	if name, loc, ok := strings.Cut(raw, "::"); ok && name != "" && !strings.Contains(name, "/") {
		spec.Name = name
		spec.Location = loc
	}
	return spec
}

// SourceSpecs builds the source list of ctx with its noextract and template
// flags matched by value.
func SourceSpecs(ctx *BuildContext) []SourceSpec {
	noExtract := toSet(ctx.List("noextract"))
	templates := toSet(ctx.List("template"))
	var specs []SourceSpec
	for _, raw := range ctx.List("source") {
		spec := ParseSource(raw)
		spec.NoExtract = noExtract[raw] || (spec.Name != "" && noExtract[spec.Name])
		spec.IsTemplate = templates[raw] || (spec.Name != "" && templates[spec.Name])
		specs = append(specs, spec)
	}
	return specs
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// SourceAcquirer resolves source specifiers into files inside srcdir.
type SourceAcquirer struct {
	Start    string // directory local references are relative to
	Exec     *Executor
	Client   *http.Client
	S3       S3Settings
	Progress io.Writer // progress bar output; nil disables the bar
}

// NewSourceAcquirer returns an acquirer with the default HTTP client.
func NewSourceAcquirer(start string, exec *Executor, s3 S3Settings) *SourceAcquirer {
	return &SourceAcquirer{
		Start:    start,
		Exec:     exec,
		Client:   newHTTPClient(),
		S3:       s3,
		Progress: os.Stderr,
	}
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	// No Client.Timeout; the caller's context bounds the whole download.
	return &http.Client{Transport: transport}
}

// Resolve places the source into dest and returns its file name relative
// to dest.
func (a *SourceAcquirer) Resolve(ctx context.Context, spec SourceSpec, dest string) (string, error) {
	loc := spec.Location
	scheme, _, hasScheme := strings.Cut(loc, "://")
	if !hasScheme {
		return a.copyLocal(spec, dest)
	}

	scheme = strings.ToLower(scheme)
	switch {
	case strings.Contains(scheme, "+"), scheme == "git", scheme == "hg", scheme == "svn", scheme == "bzr":
		return "", Errorf(UnsupportedSourceError, "unsupported source scheme %q in %s", scheme, spec.Raw)
	case scheme == "file":
		u, err := url.Parse(loc)
		if err != nil {
			return "", WrapError(err, SourceFetchError, "invalid source URL %s", loc)
		}
		local := spec
		local.Location = u.Path
		return a.copyLocal(local, dest)
	case scheme == "http", scheme == "https":
		return a.download(ctx, spec, dest)
	case scheme == "ftp":
		return a.curl(ctx, spec, dest)
	case scheme == "s3":
		return a.fetchS3(ctx, spec, dest)
	}
	return "", Errorf(UnsupportedSourceError, "unsupported source scheme %q in %s", scheme, spec.Raw)
}

// copyLocal copies a file relative to the start directory, keeping its
// relative layout inside dest.
func (a *SourceAcquirer) copyLocal(spec SourceSpec, dest string) (string, error) {
	src := spec.Location
	rel := filepath.Clean(src)
	if filepath.IsAbs(src) {
		rel = filepath.Base(src)
	} else {
		src = filepath.Join(a.Start, src)
	}
	if spec.Name != "" {
		rel = spec.Name
	}
	target := filepath.Join(dest, rel)
	if !withinDir(dest, target) {
		rel = filepath.Base(src)
		target = filepath.Join(dest, rel)
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", WrapError(err, SourceFetchError, "source %s not found", spec.Location)
	}
	if info.IsDir() {
		return "", Errorf(SourceFetchError, "source %s is a directory", spec.Location)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", WrapError(err, SourceFetchError, "failed to create directory for %s", rel)
	}
	if err := copyFile(src, target, info); err != nil {
		return "", WrapError(err, SourceFetchError, "failed to copy %s", spec.Location)
	}
	debugf("Copied %s -> %s\n", src, target)
	return rel, nil
}

// copyFile copies src to dst keeping mode and modification time.
func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// download streams an HTTP(S) source into dest. The file name comes from
// Content-Disposition when present, else from the URL path.
func (a *SourceAcquirer) download(ctx context.Context, spec SourceSpec, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Location, nil)
	if err != nil {
		return "", WrapError(err, SourceFetchError, "invalid source URL %s", spec.Location)
	}
	req.Header.Set("User-Agent", "empkg/"+version)

	client := a.Client
	if client == nil {
		client = newHTTPClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", WrapError(err, SourceFetchError, "failed to download %s", spec.Location)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", Errorf(SourceFetchError, "download of %s failed with status: %s", spec.Location, resp.Status).
			WithDetail("status", resp.StatusCode)
	}

	name := spec.Name
	if name == "" {
		name = dispositionFilename(resp.Header.Get("Content-Disposition"))
	}
	if name == "" {
		if name, err = urlFilename(resp.Request.URL.String()); err != nil {
			return "", err
		}
	}
	target := filepath.Join(dest, name)
	if !withinDir(dest, target) {
		return "", Errorf(PathTraversalError, "download name %q escapes %s", name, dest)
	}

	partial := target + ".part"
	out, err := os.Create(partial)
	if err != nil {
		return "", WrapError(err, SourceFetchError, "failed to create destination file %s", partial)
	}
	bar := a.progressBar(resp.ContentLength, name)
	var w io.Writer = out
	if bar != nil {
		w = io.MultiWriter(out, bar)
	}
	_, err = io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Finish()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(partial)
		return "", WrapError(err, SourceFetchError, "failed to write %s", name)
	}
	if err := os.Rename(partial, target); err != nil {
		return "", WrapError(err, SourceFetchError, "failed to move %s into place", name)
	}
	debugf("Downloaded %s -> %s\n", spec.Location, target)
	return name, nil
}

// progressBar returns a byte progress bar when Progress is a terminal.
func (a *SourceAcquirer) progressBar(size int64, name string) *progressbar.ProgressBar {
	if a.Progress == nil {
		return nil
	}
	f, ok := a.Progress.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(a.Progress),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// curl fetches protocols the native client does not speak.
func (a *SourceAcquirer) curl(ctx context.Context, spec SourceSpec, dest string) (string, error) {
	name := spec.Name
	if name == "" {
		var err error
		if name, err = urlFilename(spec.Location); err != nil {
			return "", err
		}
	}
	if _, err := exec.LookPath("curl"); err != nil {
		return "", WrapError(err, SourceFetchError, "curl is required to fetch %s", spec.Location)
	}
	target := filepath.Join(dest, name)
	cmd := exec.Command("curl", "-L", "--fail", "-sS", "-o", target, spec.Location)
	runner := a.Exec
	if runner == nil {
		runner = NewExecutor(ctx)
	}
	out, err := runner.Capture(cmd)
	if err != nil {
		_ = os.Remove(target)
		e := WrapError(err, SourceFetchError, "failed to download %s", spec.Location).(*Error)
		e.Command = strings.Join(cmd.Args, " ")
		e.Stderr = out.Stderr
		return "", e
	}
	return name, nil
}

func (a *SourceAcquirer) fetchS3(ctx context.Context, spec SourceSpec, dest string) (string, error) {
	bucket, key, err := ParseS3URL(spec.Location)
	if err != nil {
		return "", err
	}
	name := spec.Name
	if name == "" {
		name = path.Base(key)
	}
	if name == "" || name == "." || name == "/" {
		return "", Errorf(SourceFetchError, "cannot derive a file name from %s", spec.Location)
	}
	client, err := NewS3Client(ctx, a.S3)
	if err != nil {
		return "", WrapError(err, SourceFetchError, "failed to create S3 client")
	}
	if err := client.Download(ctx, bucket, key, filepath.Join(dest, name)); err != nil {
		return "", WrapError(err, SourceFetchError, "failed to download %s", spec.Location)
	}
	return name, nil
}

// dispositionFilename extracts a safe base name from a Content-Disposition
// header, or "".
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := filepath.Base(params["filename"])
	if name == "." || name == ".." || name == "/" || params["filename"] == "" {
		return ""
	}
	return name
}

// urlFilename is the last path segment of a URL.
func urlFilename(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", WrapError(err, SourceFetchError, "invalid source URL %s", raw)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", Errorf(SourceFetchError, "cannot derive a file name from %s", raw)
	}
	return name, nil
}
