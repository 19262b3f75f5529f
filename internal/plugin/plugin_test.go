package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "control": [
    { "VTOY_DEFAULT_MENU_MODE": "1" },
    { "VTOY_MAX_SEARCH_LEVEL": "3" }
  ],
  "theme": { "file": "/ventoy/theme/theme.txt", "gfxmode": "1024x768" },
  "auto_install": [
    { "image": "/os/win10.iso", "template": ["/script/win10.xml"], "timeout": 10 }
  ],
  "persistence": [
    { "image": "/linux/ubuntu.iso", "backend": ["/persist/ubuntu.dat"] }
  ],
  "injection": [
    { "parent": "/linux", "archive": "/inject/tools.tar.gz" }
  ],
  "conf_replace": [
    { "image": "/linux/arch.iso", "orgconf": "/boot/grub/grub.cfg", "newconf": "/ventoy/arch.cfg" }
  ],
  "menu_alias": [
    { "image": "/os/win10.iso", "alias": "Windows 10" }
  ],
  "menu_class": [
    { "key": "/os/win10.iso", "class": "win10" },
    { "dir": "/linux", "class": "linuxdir" }
  ],
  "menu_tip": [
    { "image": "/os/win10.iso", "tip": "installer" }
  ],
  "image_list": [ "/linux/alpha.iso", "/linux/beta.iso" ],
  "auto_memdisk": [ "/tiny/memtest.img" ],
  "dud": [
    { "image": "/os/rhel.iso", "dud": ["/dud/driver.rpm"] }
  ],
  "unknown_future_key": { "ignored": true }
}`

func TestLoadRecognizedKeys(t *testing.T) {
	s, err := Load([]byte(sampleConfig), false)
	require.NoError(t, err)

	assert.Equal(t, "1", s.Control["VTOY_DEFAULT_MENU_MODE"])
	assert.Equal(t, "3", s.Control["VTOY_MAX_SEARCH_LEVEL"])
	require.NotNil(t, s.Theme)
	assert.Equal(t, "/ventoy/theme/theme.txt", s.Theme.File)

	tmpl := s.FindAutoInstall("/os/win10.iso")
	require.NotNil(t, tmpl)
	assert.Equal(t, []string{"/script/win10.xml"}, tmpl.Templates)
	assert.Equal(t, 10, tmpl.Timeout)

	require.NotNil(t, s.FindPersistence("/linux/ubuntu.iso"))
	assert.Nil(t, s.FindPersistence("/linux/other.iso"))

	inj := s.FindInjection("/linux/ubuntu.iso")
	require.NotNil(t, inj, "parent dir rule must match by prefix")
	assert.Equal(t, "/inject/tools.tar.gz", inj.Archive)
	assert.Nil(t, s.FindInjection("/os/win10.iso"))

	crs := s.FindConfReplace("/linux/arch.iso")
	require.Len(t, crs, 1)
	assert.Equal(t, "/boot/grub/grub.cfg", crs[0].OrgConf)

	assert.Equal(t, "Windows 10", s.FindAlias("/os/win10.iso", false))
	assert.Equal(t, "win10", s.FindClass("/os/win10.iso", false))
	assert.Equal(t, "linuxdir", s.FindClass("/linux", true))

	tip1, tip2 := s.FindTip("/os/win10.iso", false)
	assert.Equal(t, "installer", tip1)
	assert.Empty(t, tip2)

	require.NotNil(t, s.FindDud("/os/rhel.iso"))
	assert.True(t, s.IsMemdisk("/tiny/memtest.img"))
}

func TestAllowListOrdering(t *testing.T) {
	s, err := Load([]byte(sampleConfig), false)
	require.NoError(t, err)

	assert.Equal(t, 1, s.ListIndex("/linux/alpha.iso"))
	assert.Equal(t, 2, s.ListIndex("/linux/beta.iso"))
	assert.Equal(t, 0, s.ListIndex("/linux/gamma.iso"), "unlisted image must be dropped")
}

func TestBlacklist(t *testing.T) {
	s, err := Load([]byte(`{"image_blacklist": ["/bad.iso"]}`), false)
	require.NoError(t, err)
	assert.True(t, s.IsBlacklist)
	assert.Equal(t, 0, s.ListIndex("/bad.iso"))
	assert.Equal(t, 1, s.ListIndex("/good.iso"))
}

// An empty document is a valid configuration: every lookup answers "not
// configured".
func TestEmptyConfig(t *testing.T) {
	s, err := Load([]byte(`{}`), false)
	require.NoError(t, err)
	assert.Nil(t, s.FindAutoInstall("/x.iso"))
	assert.Empty(t, s.FindPassword("/x.iso"))
	assert.Equal(t, 1, s.ListIndex("/x.iso"))
	assert.Empty(t, s.FindAlias("/x.iso", false))
}

// One bad block must not poison the rest of the document.
func TestBadBlockDropped(t *testing.T) {
	doc := `{
	  "auto_install": [ { "template": ["/no/image/key.xml"] } ],
	  "menu_alias": [ { "image": "/a.iso", "alias": "A" } ]
	}`
	s, err := Load([]byte(doc), false)
	require.NoError(t, err)
	assert.Empty(t, s.AutoInstall, "invalid auto_install block must be dropped")
	assert.Equal(t, "A", s.FindAlias("/a.iso", false))
}

func TestUnparseableDocument(t *testing.T) {
	_, err := Load([]byte(`{not json`), false)
	require.Error(t, err)
}

func TestYamlConfig(t *testing.T) {
	doc := `
menu_alias:
  - image: /os/win10.iso
    alias: Windows
`
	s, err := Load([]byte(doc), true)
	require.NoError(t, err)
	assert.Equal(t, "Windows", s.FindAlias("/os/win10.iso", false))
}

func TestDuplicateKeyLastWins(t *testing.T) {
	doc := `{
	  "menu_alias": [ { "image": "/a.iso", "alias": "first" } ],
	  "menu_alias": [ { "image": "/a.iso", "alias": "second" } ]
	}`
	s, err := Load([]byte(doc), false)
	require.NoError(t, err)
	assert.Equal(t, "second", s.FindAlias("/a.iso", false))
}
