package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 单项配置变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "strategy.profit_pnl"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// 这些配置在启动时建立连接或监听，运行中修改需要重启进程
var restartPaths = []string{
	"app",
	"exchanges",
	"distributed_lock",
	"database",
	"web",
	"monitor",
	"notifications",
	"system.timezone",
	"strategy.leverage", // 执行器按启动时的杠杆估算保证金
	"strategy.max_margin_pct",
}

// 密钥类字段在差异中只显示掩码
var secretFields = map[string]bool{
	"api_key":    true,
	"secret_key": true,
	"password":   true,
	"bot_token":  true,
	"dsn":        true,
}

// DiffConfig 对比两个配置，生成差异
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.compare(reflect.ValueOf(oldConfig), reflect.ValueOf(newConfig), "")

	for _, change := range diff.Changes {
		if change.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// Paths 变更路径列表
func (d *ConfigDiff) Paths() []string {
	paths := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		paths = append(paths, c.Path)
	}
	return paths
}

func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	for oldVal.IsValid() && oldVal.Kind() == reflect.Ptr {
		if oldVal.IsNil() {
			oldVal = reflect.Value{}
			break
		}
		oldVal = oldVal.Elem()
	}
	for newVal.IsValid() && newVal.Kind() == reflect.Ptr {
		if newVal.IsNil() {
			newVal = reflect.Value{}
			break
		}
		newVal = newVal.Elem()
	}

	switch {
	case !oldVal.IsValid() && !newVal.IsValid():
		return
	case oldVal.IsValid() && !newVal.IsValid():
		d.add(path, ChangeTypeDeleted, oldVal.Interface(), nil)
		return
	case !oldVal.IsValid() && newVal.IsValid():
		d.add(path, ChangeTypeAdded, nil, newVal.Interface())
		return
	case oldVal.Type() != newVal.Type():
		d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		return
	}

	switch oldVal.Kind() {
	case reflect.Struct:
		d.compareStruct(oldVal, newVal, path)
	case reflect.Map:
		d.compareMap(oldVal, newVal, path)
	case reflect.Slice, reflect.Array:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) compareStruct(oldVal, newVal reflect.Value, basePath string) {
	typ := oldVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name, inline, skip := yamlName(field)
		if skip {
			continue
		}
		if inline {
			d.compare(oldVal.Field(i), newVal.Field(i), basePath)
			continue
		}
		d.compare(oldVal.Field(i), newVal.Field(i), joinPath(basePath, name))
	}
}

func (d *ConfigDiff) compareMap(oldVal, newVal reflect.Value, basePath string) {
	for _, key := range oldVal.MapKeys() {
		path := joinPath(basePath, fmt.Sprintf("%v", key.Interface()))
		newValue := newVal.MapIndex(key)
		if !newValue.IsValid() {
			d.add(path, ChangeTypeDeleted, oldVal.MapIndex(key).Interface(), nil)
			continue
		}
		d.compare(oldVal.MapIndex(key), newValue, path)
	}
	for _, key := range newVal.MapKeys() {
		if oldVal.MapIndex(key).IsValid() {
			continue
		}
		path := joinPath(basePath, fmt.Sprintf("%v", key.Interface()))
		d.add(path, ChangeTypeAdded, nil, newVal.MapIndex(key).Interface())
	}
}

func (d *ConfigDiff) add(path string, changeType ChangeType, oldValue, newValue interface{}) {
	leaf := path[strings.LastIndex(path, ".")+1:]
	if secretFields[leaf] {
		oldValue, newValue = mask(oldValue), mask(newValue)
	}
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

func mask(v interface{}) interface{} {
	if s, ok := v.(string); ok && s != "" {
		return "******"
	}
	return v
}

// yamlName 解析字段的 yaml 名称
func yamlName(field reflect.StructField) (name string, inline, skip bool) {
	tag := field.Tag.Get("yaml")
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "inline" {
			return "", true, false
		}
	}
	name = parts[0]
	if name == "" {
		name = strings.ToLower(field.Name)
	}
	return name, false, false
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// requiresRestart 判断配置路径是否需要重启
func requiresRestart(path string) bool {
	for _, p := range restartPaths {
		if path == p || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}
