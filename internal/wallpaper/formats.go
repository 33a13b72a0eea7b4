package wallpaper

// Extensions of the definition formats understood out of the box.
const (
	LivelyExt  = "livelyinfo.json"
	ProjectExt = "wallpaper.yaml"
)

// Lively type codes as written by the Lively Wallpaper editor: web, webaudio
// and url pages render as html; gif, picture and heif as pictures.
var livelyTypes = map[int]Type{
	1:  TypeHTML,
	2:  TypeHTML,
	3:  TypeHTML,
	7:  TypeVideo,
	8:  TypePicture,
	10: TypeVideo,
	11: TypePicture,
	12: TypePicture,
}

// LivelySchema recognises livelyinfo.json files.
func LivelySchema() Schema {
	return Schema{Name: "lively", Ext: LivelyExt, Transform: TransformLively}
}

// TransformLively maps a livelyinfo.json object onto a Definition. The
// wallpaper type comes from the numeric Type field when present, otherwise
// from the FileName extension.
func TransformLively(basePath string, raw map[string]any) *Definition {
	src := str(raw, "FileName", "fileName")
	if src == "" {
		return nil
	}

	var typ Type
	if code, ok := number(raw, "Type"); ok {
		typ = livelyTypes[code]
	} else {
		typ, _ = TypeFromFile(src)
	}
	if typ == "" {
		return nil
	}

	absolute := boolean(raw, "IsAbsolutePath")
	preview := str(raw, "Preview", "preview")
	if preview == "" {
		preview = str(raw, "Thumbnail", "thumbnail")
	}
	return &Definition{
		Type:        typ,
		Name:        str(raw, "Title", "title"),
		Description: str(raw, "Desc", "desc"),
		Author:      str(raw, "Author", "author"),
		Tags:        list(raw, "Tags"),
		Preview:     resolve(basePath, preview, absolute),
		Src:         src,
		BasePath:    basePath,
	}
}

// ProjectSchema recognises the native wallpaper.yaml project format.
func ProjectSchema() Schema {
	return Schema{Name: "project", Ext: ProjectExt, Transform: TransformProject}
}

// TransformProject maps a wallpaper.yaml document onto a Definition.
func TransformProject(basePath string, raw map[string]any) *Definition {
	src := str(raw, "src", "source")
	if src == "" {
		return nil
	}
	typ := Type(str(raw, "type"))
	if typ == "" {
		typ, _ = TypeFromFile(src)
	}
	return &Definition{
		ID:          str(raw, "id"),
		Type:        typ,
		Name:        str(raw, "name", "title"),
		Description: str(raw, "description"),
		Author:      str(raw, "author"),
		Tags:        list(raw, "tags"),
		Preview:     resolve(basePath, str(raw, "preview"), false),
		Src:         src,
		BasePath:    basePath,
		Created:     timestamp(raw, "created"),
		Uploaded:    timestamp(raw, "uploaded"),
	}
}
