package xmldom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	doc := []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
		<s:Body>
			<b:Entity xmlns:b="urn:contracts">
				<b:Attributes>
					<a:KeyValuePairOfstringanyType xmlns:a="urn:generic">
						<c:key xmlns:c="urn:generic">name</c:key>
						<c:value xmlns:c="urn:generic" i:type="d:string" xmlns:i="urn:xsi" xmlns:d="urn:xsd">Acme</c:value>
					</a:KeyValuePairOfstringanyType>
				</b:Attributes>
				<b:Id>12345678-0000-0000-0000-000000000000</b:Id>
			</b:Entity>
		</s:Body>
	</s:Envelope>`)

	root, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "Envelope", root.Name)

	entity := root.Find("Entity")
	require.NotNil(t, entity)

	pair := entity.Find("KeyValuePairOfstringanyType")
	require.NotNil(t, pair)
	assert.Equal(t, "name", pair.ChildNamed("key").TextContent())

	value := pair.ChildNamed("value")
	require.NotNil(t, value)
	assert.Equal(t, "string", value.TypeAttr())
	assert.Equal(t, "Acme", value.TextContent())

	assert.Equal(t, "12345678-0000-0000-0000-000000000000", entity.ChildNamed("Id").TextContent())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"truncated", "<a><b></a>"},
		{"two roots", "<a></a><b></b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestFindAllDocumentOrder(t *testing.T) {
	root, err := Parse([]byte(`<r><e>1</e><g><e>2</e></g><e>3</e></r>`))
	require.NoError(t, err)

	var got []string
	for _, n := range root.FindAll("e") {
		got = append(got, n.TextContent())
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestStripNS(t *testing.T) {
	assert.Equal(t, "EntityReference", StripNS("b:EntityReference"))
	assert.Equal(t, "guid", StripNS("guid"))
}

func TestBuilderRendering(t *testing.T) {
	n := New("b:query").SetAttr("i:type", "b:FetchExpression")
	n.Child("b:Query").SetText(`<fetch mapping="logical"><entity name="account"/></fetch>`)

	got := n.String()
	assert.Equal(t,
		`<b:query i:type="b:FetchExpression"><b:Query>&lt;fetch mapping=&#34;logical&#34;&gt;&lt;entity name=&#34;account&#34;/&gt;&lt;/fetch&gt;</b:Query></b:query>`,
		got)
}

func TestBuilderEmptyElement(t *testing.T) {
	assert.Equal(t, `<c:string></c:string>`, New("c:string").String())
}
