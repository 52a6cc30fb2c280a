package runner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type scriptsFile struct {
	Scripts map[string][]Action `yaml:"scripts"`
}

// LoadScripts reads per-job action scripts from a YAML file keyed by job id.
// A missing file is reported as the raw os error so callers can treat it as
// "no custom scripts".
func LoadScripts(path string) (StaticScripts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f scriptsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for jobID, script := range f.Scripts {
		if len(script) == 0 {
			return nil, fmt.Errorf("job %s: empty script", jobID)
		}
		for i, a := range script {
			switch a.Op {
			case OpClick, OpFill, OpWaitFor:
			default:
				return nil, fmt.Errorf("job %s step %d: unknown op %q", jobID, i, a.Op)
			}
			if a.Target == "" {
				return nil, fmt.Errorf("job %s step %d: missing target", jobID, i)
			}
		}
	}
	return StaticScripts(f.Scripts), nil
}
