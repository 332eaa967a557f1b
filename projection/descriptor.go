package projection

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// MemberKind distinguishes fields from methods.
type MemberKind int

const (
	FieldMember MemberKind = iota
	MethodMember
)

// Member is one script-visible member of a projected type.
type Member struct {
	Name   string
	GoName string
	Kind   MemberKind

	// Field members.
	Index        []int
	Type         reflect.Type
	Writable     bool
	Enumerable   bool
	Configurable bool

	// Method members: index into the pointer type's method set.
	Method int
}

// TypeDescriptor is the immutable projection plan for a struct type.
type TypeDescriptor struct {
	Type    reflect.Type
	Name    string
	Members []Member
	Module  *ModuleInfo
}

// Fields returns the field members in declaration order.
func (d *TypeDescriptor) Fields() []Member {
	return lo.Filter(d.Members, func(m Member, _ int) bool { return m.Kind == FieldMember })
}

// Methods returns the method members in method-set order.
func (d *TypeDescriptor) Methods() []Member {
	return lo.Filter(d.Members, func(m Member, _ int) bool { return m.Kind == MethodMember })
}

// Member looks up a member by script name.
func (d *TypeDescriptor) Member(name string) (Member, bool) {
	return lo.Find(d.Members, func(m Member) bool { return m.Name == name })
}

type descEntry struct {
	once sync.Once
	desc *TypeDescriptor
	err  error
}

var (
	descriptors sync.Map // reflect.Type -> *descEntry
	builds      atomic.Int64
)

// Describe returns the memoised descriptor for t (or the struct t points
// to). The descriptor is built at most once per type.
func Describe(t reflect.Type) (*TypeDescriptor, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, &ProjectionError{Type: t, Err: ErrNotProjectable}
	}

	e, _ := descriptors.LoadOrStore(t, &descEntry{})
	entry := e.(*descEntry)
	entry.once.Do(func() {
		builds.Add(1)
		entry.desc, entry.err = buildDescriptor(t)
	})
	return entry.desc, entry.err
}

func buildDescriptor(t reflect.Type) (*TypeDescriptor, error) {
	desc := &TypeDescriptor{Type: t, Name: t.Name()}
	zero := reflect.New(t).Interface()

	if n, ok := zero.(Named); ok && n.JSName() != "" {
		desc.Name = n.JSName()
	}
	if desc.Name == "" {
		desc.Name = "Object"
	}
	if m, ok := zero.(Module); ok && m.ModuleName() != "" {
		desc.Module = &ModuleInfo{Name: m.ModuleName(), Description: m.ModuleDescription()}
	}

	seen := make(map[string]bool)
	add := func(m Member) error {
		if seen[m.Name] {
			return &ProjectionError{Type: t, Member: m.GoName, Err: ErrDuplicateMember}
		}
		seen[m.Name] = true
		desc.Members = append(desc.Members, m)
		return nil
	}

	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		tag := parseTag(f.Tag.Get("js"))
		if tag.ignore {
			continue
		}
		name := tag.name
		if name == "" {
			name = lowerCamel(f.Name)
		}
		err := add(Member{
			Name:         name,
			GoName:       f.Name,
			Kind:         FieldMember,
			Index:        f.Index,
			Type:         f.Type,
			Writable:     !tag.readonly,
			Enumerable:   !tag.noenum,
			Configurable: !tag.noconfig,
		})
		if err != nil {
			return nil, err
		}
	}

	var renames map[string]string
	if mn, ok := zero.(MethodNamer); ok {
		renames = mn.JSMethods()
	}

	pt := reflect.PointerTo(t)
	for i := 0; i < pt.NumMethod(); i++ {
		m := pt.Method(i)
		if reserved[m.Name] {
			continue
		}
		name, renamed := renames[m.Name]
		switch {
		case name == "-":
			continue
		case !renamed && m.Name == "String":
			name = "toString"
		case !renamed:
			name = lowerCamel(m.Name)
		}
		if err := add(Member{Name: name, GoName: m.Name, Kind: MethodMember, Method: i}); err != nil {
			return nil, err
		}
	}

	return desc, nil
}
