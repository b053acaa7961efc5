package empkg

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

// skipChecksum disables verification of one source entry.
const skipChecksum = "SKIP"

// checksumAlgorithm binds a PKGBUILD sums key to its hash.
type checksumAlgorithm struct {
	Key string
	New func() hash.Hash
}

var checksumAlgorithms = []checksumAlgorithm{
	{Key: "sha256sums", New: sha256.New},
	{Key: "sha512sums", New: sha512.New},
	{Key: "b3sums", New: func() hash.Hash { return blake3.New(32, nil) }},
}

func algorithmFor(key string) (checksumAlgorithm, bool) {
	for _, a := range checksumAlgorithms {
		if a.Key == key {
			return a, true
		}
	}
	return checksumAlgorithm{}, false
}

// VerifyChecksums checks fetched files against every configured sums list.
// files are relative to dir and parallel to the source list.
func VerifyChecksums(ctx *BuildContext, dir string, files []string) error {
	for _, algo := range checksumAlgorithms {
		sums := ctx.List(algo.Key)
		if len(sums) == 0 {
			continue
		}
		if len(sums) != len(files) {
			return Errorf(ConfigError, "%s has %d entries but there are %d sources", algo.Key, len(sums), len(files))
		}

		var paths []string
		for i, f := range files {
			if !strings.EqualFold(sums[i], skipChecksum) {
				paths = append(paths, filepath.Join(dir, f))
			}
		}
		got, err := ComputeChecksums(algo, paths)
		if err != nil {
			return WrapError(err, SourceFetchError, "failed to compute %s", algo.Key)
		}

		for i, f := range files {
			want := strings.ToLower(strings.TrimSpace(sums[i]))
			if strings.EqualFold(want, skipChecksum) {
				debugf("Skipping %s check for %s\n", algo.Key, f)
				continue
			}
			actual := got[filepath.Join(dir, f)]
			if actual != want {
				return Errorf(ChecksumMismatchError, "%s mismatch for %s", algo.Key, f).
					WithDetail("expected", want).
					WithDetail("actual", actual)
			}
		}
	}
	return nil
}

// ComputeChecksums hashes paths in parallel and returns hex digests keyed by
// path.
func ComputeChecksums(algo checksumAlgorithm, paths []string) (map[string]string, error) {
	results := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return results, nil
	}

	numWorkers := min(runtime.NumCPU(), len(paths))
	jobs := make(chan string, len(paths))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64*1024)
			for path := range jobs {
				sum, err := hashFile(algo, path, buf)
				mu.Lock()
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				} else {
					results[path] = sum
				}
				mu.Unlock()
			}
		}()
	}
	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	return results, firstErr
}

func hashFile(algo checksumAlgorithm, path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := algo.New()
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// SumsFor returns the digests of files, in order, under the given sums key.
func SumsFor(key, dir string, files []string) ([]string, error) {
	algo, ok := algorithmFor(key)
	if !ok {
		return nil, Errorf(ConfigError, "unknown checksum list %q", key)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(dir, f)
	}
	got, err := ComputeChecksums(algo, paths)
	if err != nil {
		return nil, err
	}
	sums := make([]string, len(paths))
	for i, p := range paths {
		sums[i] = got[p]
	}
	return sums, nil
}
