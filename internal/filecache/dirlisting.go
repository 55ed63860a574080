package filecache

import (
	"fmt"
	"html/template"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// DirListingPayload holds the pre-rendered HTML for a directory with no
// index file. Rendered once at cache-construction time and served
// verbatim afterward, same as lwan's _dirlist_init.
type DirListingPayload struct {
	HTML []byte
}

type dirListingRow struct {
	Name  string
	IsDir bool
	Icon  string
	Type  string
	Size  string
}

// dirListingTemplate mirrors lwan's hand-rolled listing page: a title, a
// parent-directory row, then one table row per entry -- icon placeholder,
// name (linked), type label, size. html/template is used (not a
// non-escaping string templater) because directory entries are
// attacker-influenced file names and must never be interpolated
// unescaped into HTML.
var dirListingTemplate = template.Must(template.New("dirlisting").Parse(`<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 4.01//EN">
<html>
<head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th></th><th>Name</th><th>Type</th><th>Size</th></tr>
{{if .ShowParent}}<tr><td><img src="/icons/back.png" alt="[back]"></td><td><a href="../">..</a></td><td>Parent Directory</td><td>-</td></tr>
{{end}}{{range .Rows}}<tr><td><img src="/icons/{{.Icon}}.png" alt="[{{.Icon}}]"></td><td><a href="{{.Name}}{{if .IsDir}}/{{end}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td>{{.Type}}</td><td>{{.Size}}</td></tr>
{{end}}</table>
</body>
</html>
`))

// buildDirListing reads the directory named by relDir (root-relative, ""
// for the document root itself) through rootFD and renders the listing
// page. Dotfiles and entries that fail to stat are skipped, matching
// lwan's _directory_list_generator.
func buildDirListing(rootFD int, relDir, urlPath string) (*DirListingPayload, error) {
	dirFD, err := unix.Openat(rootFD, relDirOrDot(relDir), unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dirFD), relDir)
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}

	rows := make([]dirListingRow, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		rows = append(rows, dirListingRow{
			Name:  name,
			IsDir: fi.IsDir(),
			Icon:  iconFor(fi.IsDir()),
			Type:  typeLabel(name, fi.IsDir()),
			Size:  formatSize(fi.Size(), fi.IsDir()),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].IsDir != rows[j].IsDir {
			return rows[i].IsDir
		}
		return rows[i].Name < rows[j].Name
	})

	var buf strings.Builder
	err = dirListingTemplate.Execute(&buf, struct {
		Path       string
		ShowParent bool
		Rows       []dirListingRow
	}{
		Path:       urlPath,
		ShowParent: urlPath != "/",
		Rows:       rows,
	})
	if err != nil {
		return nil, err
	}

	return &DirListingPayload{HTML: []byte(buf.String())}, nil
}

func relDirOrDot(relDir string) string {
	if relDir == "" {
		return "."
	}
	return relDir
}

func iconFor(isDir bool) string {
	if isDir {
		return "folder"
	}
	return "file"
}

// typeLabel gives each row a one-word/extension type column: "Directory"
// for directories, else the file's extension upper-cased followed by
// " File" (e.g. "TXT File"), or "File" for an extension-less name.
func typeLabel(name string, isDir bool) string {
	if isDir {
		return "Directory"
	}
	ext := strings.TrimPrefix(strings.ToLower(fileExt(name)), ".")
	if ext == "" {
		return "File"
	}
	return strings.ToUpper(ext) + " File"
}

func fileExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

// formatSize renders n in the smallest unit that keeps it under 1024,
// B/KiB/MiB/GiB, matching lwan's binary-unit table. Directories show a
// dash rather than a byte count.
func formatSize(n int64, isDir bool) string {
	if isDir {
		return "-"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	units := []string{"KiB", "MiB", "GiB"}
	if exp >= len(units) {
		exp = len(units) - 1
	}
	return fmt.Sprintf("%.1f%s", float64(n)/float64(div), units[exp])
}
