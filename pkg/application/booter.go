package application

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ignis-framework/ignis/pkg/container"
	"github.com/ignis-framework/ignis/pkg/observability"
)

// Kind describes one boot phase: which container tag to instantiate and,
// optionally, which directories hold the artifact sources so the report
// can list what was discovered on disk.
type Kind struct {
	Name       string
	Tag        string
	Dirs       []string
	Extensions []string
}

// DefaultKinds returns the standard phase order. Data sources come first
// so components and controllers can resolve them.
func DefaultKinds() []Kind {
	return []Kind{
		{Name: "datasources", Tag: TagDataSource},
		{Name: "components", Tag: TagComponent},
		{Name: "controllers", Tag: TagController},
	}
}

// ArtifactReport is the per-kind slice of the boot report.
type ArtifactReport struct {
	Kind       string   `json:"kind"`
	Discovered int      `json:"discovered"`
	Loaded     int      `json:"loaded"`
	Errors     []string `json:"errors,omitempty"`
	Files      []string `json:"files,omitempty"`
}

// Report summarizes a boot run.
type Report struct {
	Duration    time.Duration              `json:"duration"`
	Success     bool                       `json:"success"`
	TotalLoaded int                        `json:"totalLoaded"`
	TotalErrors int                        `json:"totalErrors"`
	Phases      []string                   `json:"phases"`
	Artifacts   map[string]*ArtifactReport `json:"artifacts"`
}

// Visit is called for every instantiated artifact so the caller can wire
// it. Returning an error aborts the boot.
type Visit func(ctx context.Context, kind Kind, key string, artifact interface{}) error

// Booter instantiates tagged container bindings phase by phase and builds
// the boot report. Artifacts register themselves by binding into the
// container with the kind's tag before boot; directory scanning only feeds
// the report.
type Booter struct {
	kinds  []Kind
	logger observability.Logger
}

func NewBooter(kinds []Kind, logger observability.Logger) *Booter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Booter{kinds: kinds, logger: logger.WithPrefix("boot")}
}

// Boot runs every phase in order. The first artifact error stops the run;
// the report still covers everything attempted up to that point.
func (b *Booter) Boot(ctx context.Context, c *container.Container, visit Visit) (*Report, error) {
	started := time.Now()
	report := &Report{
		Success:   true,
		Artifacts: make(map[string]*ArtifactReport, len(b.kinds)),
	}

	var bootErr error
	for _, kind := range b.kinds {
		report.Phases = append(report.Phases, kind.Name)
		ar := &ArtifactReport{Kind: kind.Name, Files: scanDirs(kind.Dirs, kind.Extensions)}
		report.Artifacts[kind.Name] = ar

		bindings := c.FindByTag(kind.Tag)
		ar.Discovered = len(bindings) + len(ar.Files)

		for _, binding := range bindings {
			artifact, err := c.Get(binding.Key())
			if err == nil && visit != nil {
				err = visit(ctx, kind, binding.Key(), artifact)
			}
			if err != nil {
				ar.Errors = append(ar.Errors, err.Error())
				report.TotalErrors++
				bootErr = err
				break
			}
			ar.Loaded++
			report.TotalLoaded++
		}

		b.logger.Debug("boot phase complete", map[string]interface{}{
			"phase":  kind.Name,
			"loaded": ar.Loaded,
			"errors": len(ar.Errors),
		})
		if bootErr != nil {
			break
		}
	}

	report.Duration = time.Since(started)
	report.Success = bootErr == nil
	return report, bootErr
}

// scanDirs lists files under the kind's directories matching its
// extensions. Missing directories are skipped.
func scanDirs(dirs, extensions []string) []string {
	if len(dirs) == 0 {
		return nil
	}
	var files []string
	for _, dir := range dirs {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if matchesExtension(path, extensions) {
				files = append(files, path)
			}
			return nil
		})
	}
	sort.Strings(files)
	return files
}

func matchesExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	for _, ext := range extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
