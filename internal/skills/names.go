// Package skills bridges the agent to skill subprocesses over a
// newline-delimited JSON protocol: one request line on stdin, one response
// line on stdout, validated against a schema before use.
package skills

// aliases maps the skill-name variants models tend to produce onto the
// canonical names the runner understands.
var aliases = map[string]string{
	// file search
	"fs_rearch":         "fs_search",
	"fs-search":         "fs_search",
	"filesystem_search": "fs_search",
	"file_search":       "fs_search",
	"search_files":      "fs_search",
	// package / install
	"package_install": "package_manager",
	"pkg_manager":     "package_manager",
	"packages":        "package_manager",
	"module_install":  "install_module",
	"install_modules": "install_module",
	// system ops
	"process":         "process_basic",
	"process_manager": "process_basic",
	"archive":         "archive_basic",
	"archive_tool":    "archive_basic",
	"database":        "db_basic",
	"sqlite_tool":     "db_basic",
	"docker":          "docker_basic",
	"docker_ops":      "docker_basic",
	"rss":             "rss_fetch",
	"rss_reader":      "rss_fetch",
	"rss_fetcher":     "rss_fetch",
	// image ops
	"image_vision_skill": "image_vision",
	"vision":             "image_vision",
	"vision_image":       "image_vision",
	"image-analyze":      "image_vision",
	"image_generation":   "image_generate",
	"generate_image":     "image_generate",
	"draw_image":         "image_generate",
	"text_to_image":      "image_generate",
	"image_modify":       "image_edit",
	"image_editor":       "image_edit",
	"edit_image":         "image_edit",
	"image_outpaint":     "image_edit",
	"git":                "git_basic",
	"http":               "http_basic",
	"system":             "system_basic",
}

// CanonicalName resolves skill-name aliases; unknown names pass through.
func CanonicalName(name string) string {
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}
