package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// UngroupedKey is the synthetic group for responses of singular sections.
const UngroupedKey = "_ungrouped"

const dateLayout = "2006-01-02"

// Upload is a file submitted for a FILE field.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// AttachmentStore persists uploads and returns an opaque object reference.
type AttachmentStore interface {
	Store(ctx context.Context, file Upload) (string, error)
}

// RawResponse is one submitted answer before normalization. Value holds the
// JSON-decoded value; File is set instead for new uploads.
type RawResponse struct {
	FieldID string  `json:"field_id"`
	Value   any     `json:"value"`
	GroupID *string `json:"group_id,omitempty"`
	File    *Upload `json:"-"`
}

// GroupedResponses maps a duplicatable-section instance id (or UngroupedKey)
// to its responses in field order. Keys are opaque and carry no ordering.
type GroupedResponses map[string][]*repository.FieldResponse

// Decoder turns raw submissions into grouped, normalized responses.
type Decoder struct {
	attachments AttachmentStore
}

// NewDecoder creates a Decoder. attachments may be nil when no form uses FILE fields.
func NewDecoder(attachments AttachmentStore) *Decoder {
	return &Decoder{attachments: attachments}
}

// Decode validates raw against form and groups the result. Absent values are
// dropped, except SWITCH false and NUMBER 0 which are kept explicitly.
func (d *Decoder) Decode(ctx context.Context, form *repository.Form, raw []RawResponse) (GroupedResponses, error) {
	fields := form.Fields()
	grouped := make(GroupedResponses)
	groupSection := make(map[string]string)
	seen := make(map[string]bool)

	for _, r := range raw {
		ref, ok := fields[r.FieldID]
		if !ok {
			return nil, errors.InvalidInput("field_id", fmt.Sprintf("field %s does not belong to form %s", r.FieldID, form.ID))
		}

		key := UngroupedKey
		var groupID *string
		if ref.Section.IsDuplicatable {
			if r.GroupID == nil || strings.TrimSpace(*r.GroupID) == "" {
				return nil, errors.InvalidInput("group_id", fmt.Sprintf("field %s is in a duplicatable section and needs a group id", r.FieldID))
			}
			key = strings.TrimSpace(*r.GroupID)
			if owner, ok := groupSection[key]; ok && owner != ref.Section.ID {
				return nil, errors.InvalidInput("group_id", fmt.Sprintf("group %s spans more than one section", key))
			}
			groupSection[key] = ref.Section.ID
			g := key
			groupID = &g
		}

		dupKey := key + "\x00" + r.FieldID
		if seen[dupKey] {
			return nil, errors.InvalidInput("field_id", fmt.Sprintf("field %s answered twice in one group", r.FieldID))
		}
		seen[dupKey] = true

		value, present, err := d.normalize(ctx, ref.Field, r)
		if err != nil {
			return nil, err
		}
		if !present {
			continue
		}
		grouped[key] = append(grouped[key], &repository.FieldResponse{
			FieldID: r.FieldID,
			Value:   value,
			GroupID: groupID,
		})
	}

	if err := checkRequired(form, grouped, groupSection); err != nil {
		return nil, err
	}
	grouped.sortFields(fields)
	return grouped, nil
}

func (d *Decoder) normalize(ctx context.Context, f *repository.Field, r RawResponse) (string, bool, error) {
	switch f.Kind {
	case repository.FieldKindFile:
		if r.File != nil {
			if d.attachments == nil {
				return "", false, errors.New(errors.ErrCodeInternal, "attachment store not configured")
			}
			ref, err := d.attachments.Store(ctx, *r.File)
			if err != nil {
				return "", false, errors.Wrap(err, errors.ErrCodeInternal, "failed to store attachment")
			}
			return ref, true, nil
		}
		// An existing object reference is kept as-is on edit.
		s, ok := r.Value.(string)
		s = strings.TrimSpace(s)
		return s, ok && s != "", nil

	case repository.FieldKindSwitch:
		switch v := r.Value.(type) {
		case nil:
			return "", false, nil
		case bool:
			return strconv.FormatBool(v), true, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return "", false, errors.InvalidInput(f.Label, "expected true or false")
			}
			return strconv.FormatBool(b), true, nil
		}
		return "", false, errors.InvalidInput(f.Label, "expected true or false")

	case repository.FieldKindNumber:
		n, present, err := toNumber(r.Value)
		if err != nil {
			return "", false, errors.InvalidInput(f.Label, err.Error())
		}
		if !present {
			return "", false, nil
		}
		if n < 0 && nonNegative(f.Role) {
			return "", false, errors.InvalidInput(f.Label, "must not be negative")
		}
		return strconv.FormatFloat(n, 'f', -1, 64), true, nil

	case repository.FieldKindDate:
		s, _ := r.Value.(string)
		s = strings.TrimSpace(s)
		if s == "" {
			return "", false, nil
		}
		if _, err := time.Parse(dateLayout, s); err != nil {
			return "", false, errors.InvalidInput(f.Label, "expected a YYYY-MM-DD date")
		}
		return s, true, nil
	}

	var s string
	switch v := r.Value.(type) {
	case nil:
		return "", false, nil
	case string:
		s = v
	default:
		s = fmt.Sprint(v)
	}
	s = normalizeText(s)
	if s == "" {
		return "", false, nil
	}
	if f.Kind == repository.FieldKindDropdown && len(f.Options) > 0 && !containsFold(f.Options, s) {
		return "", false, errors.InvalidInput(f.Label, fmt.Sprintf("%q is not one of the options", s))
	}
	return s, true, nil
}

// nonNegative reports whether a number in role counts goods or money.
func nonNegative(role repository.FieldRole) bool {
	switch role {
	case repository.FieldRoleQuantity, repository.FieldRoleUnitPrice, repository.FieldRoleCharge:
		return true
	}
	return false
}

func toNumber(v any) (float64, bool, error) {
	var n float64
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		n = x
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("expected a number")
		}
		n = f
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			return 0, false, fmt.Errorf("expected a number")
		}
		n = f
	default:
		return 0, false, fmt.Errorf("expected a number")
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false, fmt.Errorf("expected a finite number")
	}
	return n, true, nil
}

// normalizeText collapses whitespace runs and trims.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsFold(options []string, s string) bool {
	for _, o := range options {
		if strings.EqualFold(normalizeText(o), s) {
			return true
		}
	}
	return false
}

func checkRequired(form *repository.Form, grouped GroupedResponses, groupSection map[string]string) error {
	answered := make(map[string]map[string]bool, len(grouped))
	for key, rs := range grouped {
		set := make(map[string]bool, len(rs))
		for _, r := range rs {
			set[r.FieldID] = true
		}
		answered[key] = set
	}

	for _, sec := range form.Sections {
		if !sec.IsDuplicatable {
			for _, f := range sec.Fields {
				if f.IsRequired && !answered[UngroupedKey][f.ID] {
					return errors.InvalidInput(f.Label, "is required")
				}
			}
			continue
		}

		instances := 0
		for key, secID := range groupSection {
			if secID != sec.ID {
				continue
			}
			instances++
			for _, f := range sec.Fields {
				if f.IsRequired && !answered[key][f.ID] {
					return errors.InvalidInput(f.Label, fmt.Sprintf("is required in group %s", key))
				}
			}
		}
		if instances == 0 && hasRequired(sec) {
			return errors.InvalidInput(sec.Name, "needs at least one entry")
		}
	}
	return nil
}

func hasRequired(sec *repository.Section) bool {
	for _, f := range sec.Fields {
		if f.IsRequired {
			return true
		}
	}
	return false
}

func (g GroupedResponses) sortFields(fields map[string]repository.FieldRef) {
	for _, rs := range g {
		sort.SliceStable(rs, func(i, j int) bool {
			a, b := fields[rs[i].FieldID], fields[rs[j].FieldID]
			if a.Section.Order != b.Section.Order {
				return a.Section.Order < b.Section.Order
			}
			return a.Field.Order < b.Field.Order
		})
	}
}

// Keys returns the group keys in a deterministic order.
func (g GroupedResponses) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode flattens grouped responses for storage.
func Encode(g GroupedResponses) []*repository.FieldResponse {
	var out []*repository.FieldResponse
	for _, key := range g.Keys() {
		for _, r := range g[key] {
			cp := *r
			if key == UngroupedKey {
				cp.GroupID = nil
			} else {
				k := key
				cp.GroupID = &k
			}
			out = append(out, &cp)
		}
	}
	return out
}

// Regroup rebuilds GroupedResponses from stored rows. Rows whose field is not
// on the form are dropped.
func Regroup(form *repository.Form, rows []*repository.FieldResponse) GroupedResponses {
	fields := form.Fields()
	g := make(GroupedResponses)
	for _, r := range rows {
		if _, ok := fields[r.FieldID]; !ok {
			continue
		}
		key := UngroupedKey
		if r.GroupID != nil {
			key = *r.GroupID
		}
		g[key] = append(g[key], r)
	}
	g.sortFields(fields)
	return g
}

// Value returns the first response for fieldID in group key.
func (g GroupedResponses) Value(key, fieldID string) (string, bool) {
	for _, r := range g[key] {
		if r.FieldID == fieldID {
			return r.Value, true
		}
	}
	return "", false
}

// ── Item lines ────────────────────────────────────────────────────────────────

// ItemLine is one item entry read from a group through field roles.
type ItemLine struct {
	GroupKey  string
	Label     string
	Key       string
	Quantity  float64
	UnitPrice float64
	HasPrice  bool
}

// ItemLines extracts every group carrying an ITEM-role value.
func ItemLines(form *repository.Form, g GroupedResponses) []ItemLine {
	fields := form.Fields()
	var lines []ItemLine
	for _, key := range g.Keys() {
		var line ItemLine
		found := false
		for _, r := range g[key] {
			ref := fields[r.FieldID]
			switch ref.Field.Role {
			case repository.FieldRoleItem:
				line.Label = r.Value
				line.Key = repository.NormalizeItemKey(r.Value)
				found = line.Key != ""
			case repository.FieldRoleQuantity:
				line.Quantity = parseNumber(r.Value)
			case repository.FieldRoleUnitPrice:
				line.UnitPrice = parseNumber(r.Value)
				line.HasPrice = true
			}
		}
		if found {
			line.GroupKey = key
			lines = append(lines, line)
		}
	}
	return lines
}

// ChargeTotal sums every CHARGE-role value on the request. Missing charges count as zero.
func ChargeTotal(form *repository.Form, g GroupedResponses) float64 {
	fields := form.Fields()
	total := 0.0
	for _, rs := range g {
		for _, r := range rs {
			if fields[r.FieldID].Field.Role == repository.FieldRoleCharge {
				total += parseNumber(r.Value)
			}
		}
	}
	return total
}

// ParentRef returns the upstream request id referenced by the request. It is
// an error for one request to reference more than one upstream.
func ParentRef(form *repository.Form, g GroupedResponses) (string, error) {
	fields := form.Fields()
	parent := ""
	for _, key := range g.Keys() {
		for _, r := range g[key] {
			if fields[r.FieldID].Field.Role != repository.FieldRoleParentRequest {
				continue
			}
			if parent != "" && parent != r.Value {
				return "", wrapf(ErrInvalidLinkage, "request references more than one upstream (%s, %s)", parent, r.Value)
			}
			parent = r.Value
		}
	}
	return parent, nil
}

func parseNumber(s string) float64 {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}
