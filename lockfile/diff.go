package lockfile

// ChangeKind categorizes one package's change between two lock files.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
	ChangeUpgraded
	ChangeDowngraded
	ChangeUnchanged
)

// PackageChange describes one package's movement between an old and a
// new lock file, as reported by Diff. This is a SUPPLEMENT over
// spec.md's own data model.
type PackageChange struct {
	Name     string
	Kind     ChangeKind
	OldVersion string // "" if ChangeAdded
	NewVersion string // "" if ChangeRemoved
}

// Diff compares two lock files and reports each package's change. old
// may be nil, in which case every package in new reports as added.
func Diff(old, updated *LockFile) []PackageChange {
	var changes []PackageChange

	var oldPackages map[string]Entry
	if old != nil {
		oldPackages = old.Packages
	}

	seen := make(map[string]bool, len(updated.Packages))
	for name, newEntry := range updated.Packages {
		seen[name] = true
		oldEntry, existed := oldPackages[name]
		if !existed {
			changes = append(changes, PackageChange{Name: name, Kind: ChangeAdded, NewVersion: newEntry.ID.Version.String()})
			continue
		}
		switch oldEntry.ID.Version.Compare(newEntry.ID.Version) {
		case 0:
			changes = append(changes, PackageChange{Name: name, Kind: ChangeUnchanged, OldVersion: oldEntry.ID.Version.String(), NewVersion: newEntry.ID.Version.String()})
		case -1:
			changes = append(changes, PackageChange{Name: name, Kind: ChangeUpgraded, OldVersion: oldEntry.ID.Version.String(), NewVersion: newEntry.ID.Version.String()})
		default:
			changes = append(changes, PackageChange{Name: name, Kind: ChangeDowngraded, OldVersion: oldEntry.ID.Version.String(), NewVersion: newEntry.ID.Version.String()})
		}
	}

	for name, oldEntry := range oldPackages {
		if !seen[name] {
			changes = append(changes, PackageChange{Name: name, Kind: ChangeRemoved, OldVersion: oldEntry.ID.Version.String()})
		}
	}

	return changes
}
