package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReadme(t *testing.T) {
	assert.NoError(t, ValidateReadme(""))
	assert.NoError(t, ValidateReadme("---\ndescription: fine\n"))
	assert.NoError(t, ValidateReadme("just a scalar"))

	err := ValidateReadme("description: [unclosed")
	assert.ErrorContains(t, err, "not valid YAML")
}

func TestDefaultReadme(t *testing.T) {
	readme := DefaultReadme("my-dataset", "olssont")

	require.NoError(t, ValidateReadme(readme))
	assert.Contains(t, readme, "description: my-dataset")
	assert.Contains(t, readme, "created_by: olssont")
}
