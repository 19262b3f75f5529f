// Package plugin loads /ventoy/ventoy.json into the in-memory tables the
// menu enumerator and injectors consult. Unknown keys are ignored; a bad
// block is dropped without poisoning the rest of the document.
package plugin

// ThemeConf selects the menu theme and video mode.
type ThemeConf struct {
	File        string   `json:"file"`
	Files       []string `json:"files"`
	GfxMode     string   `json:"gfxmode"`
	DisplayMode string   `json:"display_mode"`
	Left        string   `json:"ventoy_left"`
	Top         string   `json:"ventoy_top"`
	Color       string   `json:"ventoy_color"`
	Random      int      `json:"random"`
}

// InstallTemplate maps an image to its auto-install scripts.
type InstallTemplate struct {
	Image     string   `json:"image"`
	Templates []string `json:"template"`
	Timeout   int      `json:"timeout"`
	Default   int      `json:"default"`

	Order int `json:"-"`
}

// PersistenceConfig maps an image to its persistence backend files.
type PersistenceConfig struct {
	Image    string   `json:"image"`
	Backends []string `json:"backend"`
	Timeout  int      `json:"timeout"`
	Default  int      `json:"default"`

	Order int `json:"-"`
}

// InjectionConfig injects an archive into the booted initramfs.
type InjectionConfig struct {
	Image   string `json:"image"`
	Parent  string `json:"parent"`
	Archive string `json:"archive"`

	Order int `json:"-"`
}

// ConfReplace redirects a config file inside the image to a replacement on
// the data partition. Img selects raw-image patching instead of the
// ISO9660 file form.
type ConfReplace struct {
	Image   string `json:"image"`
	OrgConf string `json:"orgconf"`
	NewConf string `json:"newconf"`
	Img     int    `json:"img"`

	Order int `json:"-"`
}

// MenuAlias renames a menu entry.
type MenuAlias struct {
	Image string `json:"image"`
	Dir   string `json:"dir"`
	Alias string `json:"alias"`

	Order int `json:"-"`
}

// MenuClass attaches a css-style class to entries.
type MenuClass struct {
	Key    string `json:"key"`
	Dir    string `json:"dir"`
	Parent string `json:"parent"`
	Class  string `json:"class"`

	Order int `json:"-"`
}

// MenuTip attaches hint lines to entries.
type MenuTip struct {
	Image string `json:"image"`
	Dir   string `json:"dir"`
	Tip   string `json:"tip"`
	Tip1  string `json:"tip1"`
	Tip2  string `json:"tip2"`

	Order int `json:"-"`
}

// MenuPassword protects an entry or directory.
type MenuPassword struct {
	Image    string `json:"file"`
	Parent   string `json:"parent"`
	Password string `json:"pwd"`

	Order int `json:"-"`
}

// DudConfig injects driver-update disks.
type DudConfig struct {
	Image string   `json:"image"`
	Duds  []string `json:"dud"`

	Order int `json:"-"`
}

// CustomBoot binds a .vcfg boot script to an image or directory.
type CustomBoot struct {
	Image string `json:"file"`
	Dir   string `json:"dir"`
	VCfg  string `json:"vcfg"`

	Order int `json:"-"`
}

// Store holds every table for the session. All lists are append-only and in
// document order.
type Store struct {
	Control map[string]string
	Theme   *ThemeConf

	AutoInstall []InstallTemplate
	Persistence []PersistenceConfig
	Injection   []InjectionConfig
	ConfReplace []ConfReplace
	MenuAlias   []MenuAlias
	MenuClass   []MenuClass
	MenuTip     []MenuTip
	MenuPass    []MenuPassword
	Dud         []DudConfig
	CustomBoot  []CustomBoot

	// ImageList is the allow- or deny-list; exactly one mode is active.
	ImageList   []string
	IsBlacklist bool

	AutoMemdisk []string
}

// NewStore returns an empty store; all lookups answer "not configured".
func NewStore() *Store {
	return &Store{Control: make(map[string]string)}
}
