package compute

import "strings"

// packageManagers maps OS families to their default package manager.
var packageManagers = map[string]string{
	"ubuntu":    "apt",
	"debian":    "apt",
	"centos":    "dnf",
	"rocky":     "dnf",
	"almalinux": "dnf",
	"fedora":    "dnf",
	"rhel":      "dnf",
	"amazon":    "yum",
	"alpine":    "apk",
	"arch":      "pacman",
	"opensuse":  "zypper",
	"sles":      "zypper",
}

// NormalizeOSFamily lowercases an OS family or distribution name
// ("Ubuntu", "Rocky Linux") into its family key ("ubuntu", "rocky").
func NormalizeOSFamily(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// PackageManagerFor returns the default package manager of family, or "".
func PackageManagerFor(family string) string {
	return packageManagers[NormalizeOSFamily(family)]
}
