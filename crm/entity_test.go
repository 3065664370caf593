package crm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactSchema() *Schema {
	return &Schema{
		LogicalName:          "contact",
		PrimaryIDAttribute:   "contactid",
		PrimaryNameAttribute: "fullname",
		Attributes: map[string]*AttributeDefinition{
			"contactid": {
				LogicalName: "contactid", Type: "Uniqueidentifier",
				IsPrimaryID: true, CanRead: true,
			},
			"fullname": {
				LogicalName: "fullname", Type: "String",
				IsPrimaryName: true, CanRead: true,
			},
			"firstname": {
				LogicalName: "firstname", Label: "First Name", Type: "String",
				CanCreate: true, CanUpdate: true, CanRead: true,
				RequiredLevel: "ApplicationRequired",
			},
			"lastname": {
				LogicalName: "lastname", Label: "Last Name", Type: "String",
				CanCreate: true, CanUpdate: true, CanRead: true,
				RequiredLevel: "SystemRequired",
			},
			"accountrolecode": {
				LogicalName: "accountrolecode", Type: "Picklist",
				CanCreate: true, CanUpdate: true, CanRead: true,
				OptionSet: &OptionSet{
					Name: "contact_accountrolecode", Type: OptionSetPicklist,
					Options: map[int]string{1: "Decision Maker", 2: "Employee", 3: "Influencer"},
				},
			},
			"parentcustomerid": {
				LogicalName: "parentcustomerid", Type: "Customer", IsLookup: true,
				LookupTypes: []string{"account", "contact"},
				CanCreate:   true, CanUpdate: true, CanRead: true,
			},
			"parentcustomeridname": {
				LogicalName: "parentcustomeridname", Type: "String",
				AttributeOf: "parentcustomerid", CanRead: true,
			},
			"donotemail": {
				LogicalName: "donotemail", Type: "Boolean",
				CanCreate: true, CanUpdate: true, CanRead: true,
				OptionSet: &OptionSet{
					Name: "contact_donotemail", Type: OptionSetBoolean,
					Options: map[int]string{0: "Allow", 1: "Do Not Allow"},
				},
			},
			"birthdate": {
				LogicalName: "birthdate", Type: "DateTime",
				CanCreate: true, CanUpdate: true, CanRead: true,
			},
			"creditlimit": {
				LogicalName: "creditlimit", Type: "Money",
				CanCreate: true, CanUpdate: true, CanRead: true,
			},
		},
	}
}

func TestGetSetCaseInsensitive(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	require.NoError(t, e.Set("FirstName", "Ada"))
	assert.Equal(t, "Ada", e.Get("firstname"))
	assert.Equal(t, "Ada", e.Get("FIRSTNAME"))
	assert.Equal(t, "Ada", e.GetString("FirstName"))
}

func TestSpecialNames(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	assert.Equal(t, EmptyGUID, e.Get("ID"))
	assert.Equal(t, "contact", e.Get("LogicalName"))

	require.NoError(t, e.SetID("11111111-2222-3333-4444-555555555555"))
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", e.Get("id"))
	assert.True(t, e.HasID())
}

func TestSetIDOnlyOnce(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	require.NoError(t, e.SetID("11111111-2222-3333-4444-555555555555"))

	err := e.SetID("99999999-2222-3333-4444-555555555555")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestUnknownAndReadOnlyIgnored(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	require.NoError(t, e.Set("nosuchfield", "x"))
	assert.Nil(t, e.Get("nosuchfield"))

	// fullname is computed server-side and not writable.
	require.NoError(t, e.Set("fullname", "Ada Lovelace"))
	assert.Nil(t, e.Get("fullname"))
	assert.False(t, e.HasChanges())
}

func TestLookupValidation(t *testing.T) {
	e := NewEntity(contactSchema(), nil)

	account := NewPlaceholder("account", "aaaaaaaa-0000-0000-0000-000000000001", "Acme")
	require.NoError(t, e.Set("parentcustomerid", account))
	got, ok := e.Get("parentcustomerid").(*Entity)
	require.True(t, ok)
	assert.Equal(t, "account", got.LogicalName())

	lead := NewPlaceholder("lead", "aaaaaaaa-0000-0000-0000-000000000002", "Lead")
	err := e.Set("parentcustomerid", lead)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	require.NoError(t, e.Set("parentcustomerid", Reference{LogicalName: "contact", ID: "aaaaaaaa-0000-0000-0000-000000000003"}))
}

func TestOptionSetResolution(t *testing.T) {
	e := NewEntity(contactSchema(), nil)

	require.NoError(t, e.Set("accountrolecode", "employee"))
	assert.Equal(t, OptionSetValue{Value: 2, Label: "Employee"}, e.Get("accountrolecode"))

	require.NoError(t, e.Set("accountrolecode", 3))
	assert.Equal(t, OptionSetValue{Value: 3, Label: "Influencer"}, e.Get("accountrolecode"))

	require.NoError(t, e.Set("accountrolecode", OptionSetValue{Value: 1}))
	assert.Equal(t, OptionSetValue{Value: 1, Label: "Decision Maker"}, e.Get("accountrolecode"))

	var ve *ValidationError
	require.ErrorAs(t, e.Set("accountrolecode", 42), &ve)
	require.ErrorAs(t, e.Set("accountrolecode", "Janitor"), &ve)

	require.NoError(t, e.Set("donotemail", true))
	assert.Equal(t, OptionSetValue{Value: 1, Label: "Do Not Allow"}, e.Get("donotemail"))
}

func TestShadowClearedOnBaseWrite(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	e.setFromWire("parentcustomeridname", "Old Corp")
	require.NoError(t, e.Set("parentcustomerid", Reference{LogicalName: "account", ID: "aaaaaaaa-0000-0000-0000-000000000009"}))
	assert.Nil(t, e.Get("parentcustomeridname"))
}

func TestResetAndHasChanges(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	assert.False(t, e.HasChanges())

	require.NoError(t, e.Set("firstname", "Ada"))
	assert.True(t, e.HasChanges())

	e.Reset()
	assert.False(t, e.HasChanges())
	assert.Equal(t, "Ada", e.Get("firstname"))
}

func TestIsChangedPerAttribute(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	require.NoError(t, e.Set("firstname", "Ada"))
	assert.True(t, e.IsChanged("firstname"))
	assert.True(t, e.IsChanged("FirstName"))
	assert.False(t, e.IsChanged("lastname"))

	// Ignored and rejected writes leave the attribute unchanged.
	require.NoError(t, e.Set("fullname", "Ada Lovelace"))
	assert.False(t, e.IsChanged("fullname"))
	require.Error(t, e.Set("accountrolecode", 99))
	assert.False(t, e.IsChanged("accountrolecode"))

	e.Reset()
	assert.False(t, e.IsChanged("firstname"))
}

func TestResetForCreate(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	require.NoError(t, e.Set("firstname", "Ada"))
	require.NoError(t, e.SetID("11111111-2222-3333-4444-555555555555"))
	e.Reset()

	e.ResetForCreate()
	assert.False(t, e.HasID())
	assert.Equal(t, EmptyGUID, e.ID())
	assert.True(t, e.HasChanges())
	require.NoError(t, e.SetID("99999999-2222-3333-4444-555555555555"))
}

func TestCheckMandatoriesReportsAllMissing(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	assert.Equal(t, []string{"firstname", "lastname"}, e.CheckMandatories())

	require.NoError(t, e.Set("firstname", "Ada"))
	assert.Equal(t, []string{"lastname"}, e.CheckMandatories())

	require.NoError(t, e.Set("lastname", "Lovelace"))
	assert.Nil(t, e.CheckMandatories())
}

func TestCheckMandatoriesShadowRedirect(t *testing.T) {
	schema := contactSchema()
	schema.Attributes["parentcustomeridname"].RequiredLevel = "ApplicationRequired"
	e := NewEntity(schema, nil)
	require.NoError(t, e.Set("firstname", "Ada"))
	require.NoError(t, e.Set("lastname", "Lovelace"))

	// The shadow is satisfied through its base attribute.
	assert.Equal(t, []string{"parentcustomeridname"}, e.CheckMandatories())
	require.NoError(t, e.Set("parentcustomerid", Reference{LogicalName: "account", ID: "aaaaaaaa-0000-0000-0000-000000000001"}))
	assert.Nil(t, e.CheckMandatories())
}

func TestNilValueMarksChanged(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	require.NoError(t, e.Set("firstname", "Ada"))
	e.Reset()

	require.NoError(t, e.Set("firstname", nil))
	assert.True(t, e.HasChanges())
	assert.Nil(t, e.Get("firstname"))
}

func TestDisplayNameAndURL(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	e.setFromWire("fullname", "Ada Lovelace")
	assert.Equal(t, "Ada Lovelace", e.DisplayName())
	assert.Equal(t, "Ada Lovelace", e.Get("DisplayName"))

	require.NoError(t, e.SetID("11111111-2222-3333-4444-555555555555"))
	assert.Equal(t,
		"https://crm.example.com/org/main.aspx?etn=contact&pagetype=entityrecord&id=11111111-2222-3333-4444-555555555555",
		e.URL("https://crm.example.com/org"))
}

func TestPlaceholder(t *testing.T) {
	p := NewPlaceholder("systemuser", "aaaaaaaa-0000-0000-0000-000000000007", "Jo Admin")
	assert.Equal(t, "systemuser", p.LogicalName())
	assert.Equal(t, "Jo Admin", p.DisplayName())
	assert.True(t, p.HasID())

	// Writes to schema-less records are ignored, not failed.
	require.NoError(t, p.Set("firstname", "Jo"))
	assert.Nil(t, p.Get("firstname"))
}

func TestOptionSetIntrospection(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	assert.Equal(t, map[int]string{1: "Decision Maker", 2: "Employee", 3: "Influencer"}, e.OptionSetValues("accountrolecode"))
	assert.Nil(t, e.OptionSetValues("firstname"))
	assert.Equal(t, "First Name", e.PropertyLabel("firstname"))
}

func TestBirthdateRoundTripValue(t *testing.T) {
	e := NewEntity(contactSchema(), nil)
	when := time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.Set("birthdate", when))
	assert.Equal(t, when, e.Get("birthdate"))
}
