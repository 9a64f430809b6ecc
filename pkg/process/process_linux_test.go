//go:build linux

package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMapsLine(t *testing.T) {
	region, ok := parseMapsLine("7f1234000000-7f1234021000 r--p 00000000 08:01 131099                    /usr/bin/python3.11")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x7f1234000000), region.Start)
	assert.Equal(t, uint64(0x7f1234021000), region.End)
	assert.Equal(t, "r--p", region.Perms)
	assert.Equal(t, "/usr/bin/python3.11", region.Path)
	assert.Equal(t, "python3.11", region.ModuleID)
}

func TestParseMapsLineAnonymous(t *testing.T) {
	region, ok := parseMapsLine("7f1234000000-7f1234021000 rw-p 00000000 00:00 0 ")
	assert.True(t, ok)
	assert.Equal(t, "", region.Path)
	assert.Equal(t, "", region.ModuleID)
}

func TestParseMapsLineMalformed(t *testing.T) {
	_, ok := parseMapsLine("not a maps line")
	assert.False(t, ok)
}

func TestRegionContains(t *testing.T) {
	region := Region{Start: 100, End: 200, Perms: "rwxp"}
	assert.True(t, region.Contains(100))
	assert.True(t, region.Contains(199))
	assert.False(t, region.Contains(200))
	assert.Equal(t, uint64(100), region.Size())
	assert.True(t, region.Writable())
	assert.True(t, region.Executable())
}
