package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/muesli/crunchy"
	"github.com/santhosh-tekuri/jsonschema/v5"
	sigyaml "sigs.k8s.io/yaml"

	"github.com/ventoy/vtoycore/internal/utils/logger"
	"github.com/ventoy/vtoycore/internal/vterr"
)

var log = logger.Logger()

// compiledSchema validates the overall document shape. Violations are
// logged, not fatal: the per-block decoder below drops only the bad block.
var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ventoy.json", strings.NewReader(documentSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("ventoy.json")
}

// Load parses a plugin document. YAML input is converted to JSON first.
// The returned store is never half-poisoned: blocks that fail to decode are
// dropped individually and the remaining blocks are loaded.
func Load(data []byte, isYaml bool) (*Store, error) {
	if isYaml {
		j, err := sigyaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", vterr.ErrConfigError, err)
		}
		data = j
	}

	var doc map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", vterr.ErrConfigError, err)
	}

	var anyDoc interface{}
	if err := json.Unmarshal(data, &anyDoc); err == nil {
		if err := compiledSchema.Validate(anyDoc); err != nil {
			log.Debugf("plugin schema: %v", err)
		}
	}

	s := NewStore()
	for key, raw := range doc {
		if err := s.loadBlock(key, raw); err != nil {
			log.Warnf("plugin block %q dropped: %v", key, err)
		}
	}
	return s, nil
}

func (s *Store) loadBlock(key string, raw json.RawMessage) error {
	switch key {
	case "control":
		var entries []map[string]string
		if err := json.Unmarshal(raw, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			for k, v := range e {
				s.Control[k] = v
			}
		}
	case "theme":
		var t ThemeConf
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		s.Theme = &t
	case "auto_install":
		return decodeList(raw, &s.AutoInstall, func(v *InstallTemplate, i int) error {
			v.Order = i
			if v.Image == "" || len(v.Templates) == 0 {
				return fmt.Errorf("auto_install needs image and template")
			}
			return nil
		})
	case "persistence":
		return decodeList(raw, &s.Persistence, func(v *PersistenceConfig, i int) error {
			v.Order = i
			if v.Image == "" || len(v.Backends) == 0 {
				return fmt.Errorf("persistence needs image and backend")
			}
			return nil
		})
	case "injection":
		return decodeList(raw, &s.Injection, func(v *InjectionConfig, i int) error {
			v.Order = i
			if v.Archive == "" || (v.Image == "" && v.Parent == "") {
				return fmt.Errorf("injection needs archive and image or parent")
			}
			return nil
		})
	case "conf_replace":
		return decodeList(raw, &s.ConfReplace, func(v *ConfReplace, i int) error {
			v.Order = i
			if v.Image == "" || v.OrgConf == "" || v.NewConf == "" {
				return fmt.Errorf("conf_replace needs image, orgconf and newconf")
			}
			return nil
		})
	case "menu_alias":
		return decodeList(raw, &s.MenuAlias, func(v *MenuAlias, i int) error {
			v.Order = i
			if v.Alias == "" {
				return fmt.Errorf("menu_alias needs alias")
			}
			return nil
		})
	case "menu_class":
		return decodeList(raw, &s.MenuClass, func(v *MenuClass, i int) error {
			v.Order = i
			if v.Class == "" {
				return fmt.Errorf("menu_class needs class")
			}
			return nil
		})
	case "menu_tip":
		return decodeList(raw, &s.MenuTip, func(v *MenuTip, i int) error {
			v.Order = i
			return nil
		})
	case "menu_password":
		return decodeList(raw, &s.MenuPass, func(v *MenuPassword, i int) error {
			v.Order = i
			if v.Password == "" {
				return fmt.Errorf("menu_password needs pwd")
			}
			warnWeakPassword(v.Password)
			return nil
		})
	case "image_list":
		if err := json.Unmarshal(raw, &s.ImageList); err != nil {
			return err
		}
		s.IsBlacklist = false
	case "image_blacklist":
		if err := json.Unmarshal(raw, &s.ImageList); err != nil {
			return err
		}
		s.IsBlacklist = true
	case "auto_memdisk":
		return json.Unmarshal(raw, &s.AutoMemdisk)
	case "dud":
		return decodeList(raw, &s.Dud, func(v *DudConfig, i int) error {
			v.Order = i
			if v.Image == "" || len(v.Duds) == 0 {
				return fmt.Errorf("dud needs image and dud list")
			}
			return nil
		})
	case "custom_boot":
		return decodeList(raw, &s.CustomBoot, func(v *CustomBoot, i int) error {
			v.Order = i
			if v.VCfg == "" {
				return fmt.Errorf("custom_boot needs vcfg")
			}
			return nil
		})
	default:
		log.Debugf("plugin: unknown key %q ignored", key)
	}
	return nil
}

// decodeList unmarshals an array block, validating each element. A bad
// element drops the whole block, matching the block-granular error policy.
func decodeList[T any](raw json.RawMessage, dst *[]T, check func(*T, int) error) error {
	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	for i := range list {
		if err := check(&list[i], i); err != nil {
			return err
		}
	}
	*dst = list
	return nil
}

// warnWeakPassword flags trivially guessable menu passwords at load time.
func warnWeakPassword(pwd string) {
	v := crunchy.NewValidator()
	if err := v.Check(pwd); err != nil {
		log.Warnf("menu password is weak: %v", err)
	}
}
