package source

import (
	packageurl "github.com/package-url/packageurl-go"
)

// PURL renders id as a Package URL (pkg:pub/<name>@<version>), for
// hosted packages only — git/path/SDK/root packages have no registry
// identity a PURL could name.
func PURL(id PackageId) (string, bool) {
	if id.Ref.Description.Kind != KindHosted {
		return "", false
	}
	p := packageurl.NewPackageURL("pub", "", id.Ref.Name, id.Version.String(), nil, "")
	return p.ToString(), true
}
