package plugin

import "strings"

// matchDir applies the directory-rule match: a rule matches every path below
// it, whether or not the rule ends in "/". Image rules are compared against
// the exact absolute path by the callers; first match in insertion order
// wins.
func matchDir(rule, path string) bool {
	if rule == "" {
		return false
	}
	if !strings.HasSuffix(rule, "/") {
		rule += "/"
	}
	return strings.HasPrefix(path, rule)
}

// FindAutoInstall returns the template block for an image path.
func (s *Store) FindAutoInstall(path string) *InstallTemplate {
	for i := range s.AutoInstall {
		if s.AutoInstall[i].Image == path {
			return &s.AutoInstall[i]
		}
	}
	return nil
}

// FindPersistence returns the persistence block for an image path.
func (s *Store) FindPersistence(path string) *PersistenceConfig {
	for i := range s.Persistence {
		if s.Persistence[i].Image == path {
			return &s.Persistence[i]
		}
	}
	return nil
}

// FindInjection returns the injection archive for an image path, honoring
// parent-directory rules.
func (s *Store) FindInjection(path string) *InjectionConfig {
	for i := range s.Injection {
		v := &s.Injection[i]
		if v.Image == path || matchDir(v.Parent, path) {
			return v
		}
	}
	return nil
}

// FindConfReplace returns every conf-replace rule bound to an image.
func (s *Store) FindConfReplace(path string) []*ConfReplace {
	var out []*ConfReplace
	for i := range s.ConfReplace {
		if s.ConfReplace[i].Image == path {
			out = append(out, &s.ConfReplace[i])
		}
	}
	return out
}

// FindAlias returns the display alias for an image or directory path.
func (s *Store) FindAlias(path string, isDir bool) string {
	for i := range s.MenuAlias {
		v := &s.MenuAlias[i]
		if isDir {
			if v.Dir == path {
				return v.Alias
			}
			continue
		}
		if v.Image == path {
			return v.Alias
		}
	}
	return ""
}

// FindClass returns the menu class for a path.
func (s *Store) FindClass(path string, isDir bool) string {
	for i := range s.MenuClass {
		v := &s.MenuClass[i]
		if isDir {
			if v.Dir == path {
				return v.Class
			}
			continue
		}
		if v.Key == path || matchDir(v.Parent, path) {
			return v.Class
		}
	}
	return ""
}

// FindTip returns the tip lines for a path.
func (s *Store) FindTip(path string, isDir bool) (tip1, tip2 string) {
	for i := range s.MenuTip {
		v := &s.MenuTip[i]
		matched := false
		if isDir {
			matched = v.Dir == path
		} else {
			matched = v.Image == path || matchDir(v.Dir, path)
		}
		if matched {
			if v.Tip != "" {
				return v.Tip, ""
			}
			return v.Tip1, v.Tip2
		}
	}
	return "", ""
}

// FindPassword returns the password guarding a path, if any.
func (s *Store) FindPassword(path string) string {
	for i := range s.MenuPass {
		v := &s.MenuPass[i]
		if v.Image == path || matchDir(v.Parent, path) {
			return v.Password
		}
	}
	return ""
}

// FindDud returns the driver-update files for an image path.
func (s *Store) FindDud(path string) *DudConfig {
	for i := range s.Dud {
		if s.Dud[i].Image == path {
			return &s.Dud[i]
		}
	}
	return nil
}

// FindCustomBoot returns the vcfg script for a path.
func (s *Store) FindCustomBoot(path string) *CustomBoot {
	for i := range s.CustomBoot {
		v := &s.CustomBoot[i]
		if v.Image == path || matchDir(v.Dir, path) {
			return v
		}
	}
	return nil
}

// ListIndex returns the 1-based allow-list position of path, or 0. With a
// deny-list active it returns 0 for listed paths and 1 otherwise.
func (s *Store) ListIndex(path string) int {
	if len(s.ImageList) == 0 {
		return 1
	}
	for i, p := range s.ImageList {
		if p == path || matchDir(p, path) {
			if s.IsBlacklist {
				return 0
			}
			return i + 1
		}
	}
	if s.IsBlacklist {
		return 1
	}
	return 0
}

// IsMemdisk reports whether the image is forced into memdisk mode.
func (s *Store) IsMemdisk(path string) bool {
	for _, p := range s.AutoMemdisk {
		if p == path {
			return true
		}
	}
	return false
}
