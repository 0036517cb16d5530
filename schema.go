package synceddb

type indexSpec struct {
	name   string
	path   string
	unique bool
}

// Schema declares a store and its secondary indexes.
// Index paths are gjson paths into the record, e.g. "length" or "address.street".
type Schema struct {
	name    string
	indexes []indexSpec
}

func NewSchema(name string) *Schema {
	return &Schema{name: name}
}

func (s *Schema) WithIndex(name, path string) *Schema {
	s.indexes = append(s.indexes, indexSpec{name: name, path: path})
	return s
}

func (s *Schema) WithUniqueIndex(name, path string) *Schema {
	s.indexes = append(s.indexes, indexSpec{name: name, path: path, unique: true})
	return s
}

func (s *Schema) Name() string {
	return s.name
}
