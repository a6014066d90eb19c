package policy

// Visible reports whether the folder may appear to the user at all. It
// gates SELECT, EXAMINE, and STATUS before anything is forwarded
// upstream, and decides which LIST/LSUB lines survive filtering.
func (rs RuleSet) Visible(folder string) bool {
	return rs.Authorize(ActionView, folder)
}

// VisibleFolders returns the subset of folders the user may see,
// preserving the upstream's ordering. Folders with no matching rule are
// omitted entirely.
func (rs RuleSet) VisibleFolders(folders []string) []string {
	visible := make([]string, 0, len(folders))
	for _, f := range folders {
		if rs.Visible(f) {
			visible = append(visible, f)
		}
	}
	return visible
}
