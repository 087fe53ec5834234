package source

import (
	"context"
	"fmt"

	"github.com/sigurdm/pub/semver"
)

// SDK resolves the pseudo-packages naming an installed SDK (dart,
// flutter, ...), whose "version" is supplied by the embedding
// environment rather than discovered over the network.
type SDK struct {
	versions map[string]semver.Version // sdk name -> installed version
}

// NewSDK builds an SDK source reporting the given installed versions.
func NewSDK(versions map[string]semver.Version) *SDK {
	return &SDK{versions: versions}
}

func (s *SDK) Kind() Kind { return KindSDK }

func (s *SDK) ListVersions(ctx context.Context, ref PackageRef) ([]PackageId, error) {
	v, ok := s.versions[ref.Description.SDK.Name]
	if !ok {
		return nil, fmt.Errorf("source: sdk %q is not installed", ref.Description.SDK.Name)
	}
	return []PackageId{{
		Ref:     ref,
		Version: v,
		Resolved: ResolvedDescription{
			Kind: KindSDK,
			SDK:  ref.Description.SDK,
		},
	}}, nil
}

// Describe returns an empty pubspec: SDK pseudo-packages have no
// dependencies of their own.
func (s *SDK) Describe(ctx context.Context, id PackageId) (*Pubspec, error) {
	return &Pubspec{
		Name:            id.Ref.Name,
		Version:         &id.Version,
		Dependencies:    map[string]PackageRange{},
		DevDependencies: map[string]PackageRange{},
		Overrides:       map[string]PackageRange{},
		SDKConstraints:  map[string]semver.VersionConstraint{},
	}, nil
}

// Download is a no-op: an SDK pseudo-package has no archive.
func (s *SDK) Download(ctx context.Context, id PackageId) (string, PackageId, error) {
	return "", id, nil
}

func (s *SDK) ParseID(name, version string, description map[string]any, containingDir string) (PackageId, error) {
	ver, err := semver.Parse(version)
	if err != nil {
		return PackageId{}, &ManifestFormatError{Context: "packages." + name + ".version", Reason: err.Error()}
	}
	sdkName, _ := description["name"].(string)
	if sdkName == "" {
		sdkName = name
	}
	sd := &SDKDescription{Name: sdkName}
	return PackageId{
		Ref:      PackageRef{Name: name, Description: Description{Kind: KindSDK, SDK: sd}},
		Version:  ver,
		Resolved: ResolvedDescription{Kind: KindSDK, SDK: sd},
	}, nil
}

func (s *SDK) SerializeForLockfile(id PackageId) map[string]any {
	return map[string]any{"name": id.Resolved.SDK.Name}
}
