package webui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBridgeNames(t *testing.T) {
	tests := []struct {
		id        string
		sanitized string
		module    string
		file      string
	}{
		{id: "foo", sanitized: "foo", module: "$foo", file: "$FoFile"},
		{id: "my-mod.v2", sanitized: "my_mod.v2", module: "$my_mod.v2", file: "$MyFile"},
		{id: "a b/c", sanitized: "a_b_c", module: "$a_b_c", file: "$A_File"},
		{id: "x", sanitized: "x", module: "$x", file: "$XFile"},
		{id: "", sanitized: "", module: "$", file: "$File"},
		{id: "ünï", sanitized: "_n_", module: "$_n_", file: "$_nFile"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.sanitized, SanitizeID(tt.id))
			assert.Equal(t, tt.module, ModuleBridgeName(tt.id))
			assert.Equal(t, tt.file, FileBridgeName(tt.id))
		})
	}
}
