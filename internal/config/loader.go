// Package config loads pipeline definitions and fraud rules from YAML
// documents and the repository, and assembles evaluation snapshots.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/fraud"
	"github.com/opensource-health/kestrel/internal/metrics"
	"github.com/opensource-health/kestrel/internal/pipeline"
)

// GlobalTenantID marks rules and pipelines that apply to all tenants.
const GlobalTenantID = "*"

// document is one YAML document in a config file, discriminated by kind.
type document struct {
	Kind     string                     `yaml:"kind"`
	Pipeline *domain.PipelineDefinition `yaml:"pipeline,omitempty"`
	Rule     *domain.FraudIndicatorRule `yaml:"rule,omitempty"`
}

// LoadDir parses every .yaml/.yml file under dir. Files may hold multiple
// documents separated by ---. Unknown kinds are an error: a typo in a
// config file must not silently drop a rule.
func LoadDir(dir string) ([]*domain.PipelineDefinition, []*domain.FraudIndicatorRule, error) {
	var defs []*domain.PipelineDefinition
	var rules []*domain.FraudIndicatorRule

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		fileDefs, fileRules, err := loadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, fileDefs...)
		rules = append(rules, fileRules...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return defs, rules, nil
}

func loadFile(path string) ([]*domain.PipelineDefinition, []*domain.FraudIndicatorRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var defs []*domain.PipelineDefinition
	var rules []*domain.FraudIndicatorRule

	dec := yaml.NewDecoder(f)
	for {
		var doc document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("decode: %w", err)
		}
		switch doc.Kind {
		case "pipeline":
			if doc.Pipeline == nil {
				return nil, nil, fmt.Errorf("kind pipeline without a pipeline body")
			}
			defs = append(defs, doc.Pipeline)
		case "fraud_rule":
			if doc.Rule == nil {
				return nil, nil, fmt.Errorf("kind fraud_rule without a rule body")
			}
			rules = append(rules, doc.Rule)
		case "":
			// Blank document between separators.
		default:
			return nil, nil, fmt.Errorf("unknown kind %q", doc.Kind)
		}
	}

	return defs, rules, nil
}

// Assembler builds evaluation snapshots from the config dir plus the
// repository's global-tenant pipelines and rules. File entries win over
// repository entries with the same name or ID.
type Assembler struct {
	ConfigDir  string
	Repo       domain.Repository
	Recorder   *metrics.Recorder
	MaxWorkers int
}

// BuildSnapshot loads, merges, compiles, and validates everything needed
// for evaluation. Pipeline validation errors are fatal; malformed fraud
// rules are skipped inside the matcher.
func (a *Assembler) BuildSnapshot(ctx context.Context, version string) (*pipeline.Snapshot, error) {
	var defs []*domain.PipelineDefinition
	var rules []*domain.FraudIndicatorRule

	if a.ConfigDir != "" {
		if _, err := os.Stat(a.ConfigDir); err == nil {
			fileDefs, fileRules, err := LoadDir(a.ConfigDir)
			if err != nil {
				return nil, fmt.Errorf("load config dir: %w", err)
			}
			defs = append(defs, fileDefs...)
			rules = append(rules, fileRules...)
			slog.Info("loaded configuration files",
				"dir", a.ConfigDir, "pipelines", len(fileDefs), "rules", len(fileRules))
		}
	}

	if a.Repo != nil {
		repoDefs, err := a.Repo.ListPipelines(ctx, GlobalTenantID)
		if err != nil {
			slog.Warn("failed to list pipelines from repository", "error", err)
		} else {
			defs = mergePipelines(defs, repoDefs)
		}

		repoRules, err := a.Repo.ListFraudRules(ctx, GlobalTenantID)
		if err != nil {
			slog.Warn("failed to list fraud rules from repository", "error", err)
		} else {
			rules = mergeRules(rules, repoRules)
		}
	}

	matcher, err := fraud.NewMatcher(rules, a.Recorder, a.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("build fraud matcher: %w", err)
	}

	snap, err := pipeline.NewSnapshot(version, defs, matcher)
	if err != nil {
		return nil, err
	}

	slog.Info("snapshot assembled",
		"version", version,
		"pipelines", len(defs),
		"fraud_rules_loaded", matcher.RuleCount(),
		"fraud_rules_total", len(rules),
	)
	return snap, nil
}

func mergePipelines(fileDefs, repoDefs []*domain.PipelineDefinition) []*domain.PipelineDefinition {
	seen := make(map[string]bool, len(fileDefs))
	for _, d := range fileDefs {
		seen[d.Name] = true
	}
	for _, d := range repoDefs {
		if !seen[d.Name] {
			fileDefs = append(fileDefs, d)
		}
	}
	return fileDefs
}

func mergeRules(fileRules, repoRules []*domain.FraudIndicatorRule) []*domain.FraudIndicatorRule {
	seen := make(map[string]bool, len(fileRules))
	for _, r := range fileRules {
		seen[r.ID] = true
	}
	for _, r := range repoRules {
		if !seen[r.ID] {
			fileRules = append(fileRules, r)
		}
	}
	return fileRules
}
