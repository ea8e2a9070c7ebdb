// Package sources describes the two source families a search fans out to and
// the catalog of plugins the backend knows how to query.
package sources

import (
	"fmt"
	"slices"
	"strings"
)

// Family is one of the two independent id namespaces that are batched separately.
type Family string

const (
	Plugin  Family = "plugin"
	Channel Family = "channel"
)

// Wire returns the `src` discriminator used on the search endpoint.
func (f Family) Wire() string {
	if f == Channel {
		return "tg"
	}
	return string(f)
}

// IDsParam returns the query parameter carrying the comma joined ids.
func (f Family) IDsParam() string {
	if f == Channel {
		return "channels"
	}
	return "plugins"
}

// ParseFamily accepts both the family name and its wire discriminator.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plugin", "plugins":
		return Plugin, nil
	case "tg", "channel", "channels":
		return Channel, nil
	}
	return "", fmt.Errorf("unknown source family %q", s)
}

// AllPlugins lists every plugin the search endpoint supports, in default order.
var AllPlugins = []string{
	"pansearch",
	"qupansou",
	"panta",
	"hunhepan",
	"jikepan",
	"labi",
	"thepiratebay",
	"duoduo",
	"xuexizhinan",
	"nyaa",
}

// DefaultChannels is the channel list used when the configuration names none.
var DefaultChannels = []string{
	"tgsearchers3",
	"Aliyun_4K_Movies",
	"bdbdndn11",
	"yunpanx",
	"gotopan",
	"PanjClub",
	"kkxlzy",
	"baicaoZY",
	"MCPH01",
	"share_aliyun",
}

// PriorityChannels are queried before the rest of a channel batch.
var PriorityChannels = []string{
	"tgsearchers3",
	"Aliyun_4K_Movies",
	"yunpanx",
}

// IsKnownPlugin reports whether name is in AllPlugins.
func IsKnownPlugin(name string) bool {
	return slices.Contains(AllPlugins, name)
}

// FilterKnownPlugins drops unknown and duplicate names, keeping order.
func FilterKnownPlugins(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if IsKnownPlugin(n) && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// SplitIDs parses a comma separated id list, dropping blanks.
func SplitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// PrioritizeChannels returns channels with PriorityChannels members first,
// preserving relative order inside each group.
func PrioritizeChannels(channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		if slices.Contains(PriorityChannels, c) {
			out = append(out, c)
		}
	}
	for _, c := range channels {
		if !slices.Contains(PriorityChannels, c) {
			out = append(out, c)
		}
	}
	return out
}

// Platform describes a cloud drive type used as a result bucket key.
type Platform struct {
	Key  string
	Name string
}

var platforms = map[string]Platform{
	"aliyun": {"aliyun", "阿里云盘"},
	"quark":  {"quark", "夸克网盘"},
	"baidu":  {"baidu", "百度网盘"},
	"115":    {"115", "115网盘"},
	"xunlei": {"xunlei", "迅雷云盘"},
	"uc":     {"uc", "UC网盘"},
	"tianyi": {"tianyi", "天翼云盘"},
	"123":    {"123", "123网盘"},
	"mobile": {"mobile", "移动云盘"},
	"others": {"others", "其他网盘"},
}

// PlatformFor returns display info for a bucket key; unknown keys map to "others".
func PlatformFor(key string) Platform {
	if p, ok := platforms[key]; ok {
		return p
	}
	return platforms["others"]
}
