package dag

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/cascade/pkg/errors"
)

// Load parses a YAML workflow definition.
func Load(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:      "definition",
			Message:    "invalid YAML: " + err.Error(),
			Suggestion: "check the workflow file syntax",
		}
	}
	return &def, nil
}

// LoadFile reads and parses a YAML workflow definition from disk.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading workflow file %s", path)
	}
	return Load(data)
}

// Compile builds the executable graph for this definition.
func (def *Definition) Compile() (*Graph, error) {
	return Compile(def)
}
