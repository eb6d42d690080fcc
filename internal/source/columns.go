package source

// DefaultImageColumns are the recognized image-reference headers, in priority
// order. Matching is exact.
var DefaultImageColumns = Columns{
	"Image Link", "image_link", "ImageLink", "image_url",
	"Image URL", "ImageURL", "image", "Image", "url", "URL",
}

// Columns is an ordered list of header names to probe.
type Columns []string

// ImageRef returns the first non-empty value among the columns.
func (c Columns) ImageRef(row Row) (string, bool) {
	for _, name := range c {
		if v := row[name]; v != "" {
			return v, true
		}
	}
	return "", false
}

// ImageRef probes the default image columns.
func ImageRef(row Row) (string, bool) {
	return DefaultImageColumns.ImageRef(row)
}

// Metadata extracts the product fields recorded alongside each outcome.
func Metadata(row Row) map[string]string {
	return map[string]string{
		"product_name":  row["Name"],
		"main_category": row["Main Category"],
		"sub_category":  row["Sub Category"],
	}
}
