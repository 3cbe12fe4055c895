package tenant

import (
	"github.com/hilderonny/fm-sub000/internal/engine"
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/files"
	"github.com/hilderonny/fm-sub000/internal/schema"
)

// Portal datatypes.
const (
	ClientsDatatype        = "clients"
	ClientModulesDatatype  = "clientmodules"
	ClientSettingsDatatype = "clientsettings"
	AllUsersDatatype       = "allusers"
	PortalsDatatype        = "portals"
)

// Client datatypes.
const (
	UsersDatatype      = "users"
	UserGroupsDatatype = "usergroups"
	FoldersDatatype    = "folders"
	FMObjectsDatatype  = "fmobjects"
)

// Hierarchy lists.
const (
	ListDocuments = "documents"
	ListFM        = "fm"
	ListUsers     = "users"
)

// AdminUser is the administrator created in every new client.
const AdminUser = "admin"

func field(name, fieldType string) schema.Field {
	return schema.Field{Name: name, Label: name, FieldType: fieldType, IsPredefined: true}
}

func labelField() schema.Field {
	f := field("label", fieldtype.Text)
	f.Label = "Label"
	return f
}

func portalSeeds() []schema.Seed {
	clientName := field(engine.ClientNameField, fieldtype.Reference)
	clientName.Reference = ClientsDatatype
	clientName.IsRequired = true
	clientName.IsHidden = true

	return []schema.Seed{
		{
			Datatype: schema.Datatype{Name: ClientsDatatype, Label: "Client", PluralLabel: "Clients",
				Icon: "/css/icons/material/Briefcase.svg", Lists: []string{"clients"}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{labelField()},
		},
		{
			Datatype: schema.Datatype{Name: ClientModulesDatatype, Label: "Client module", PluralLabel: "Client modules",
				Lists: []string{}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{clientName, field("modulename", fieldtype.Text)},
		},
		{
			Datatype: schema.Datatype{Name: ClientSettingsDatatype, Label: "Client setting", PluralLabel: "Client settings",
				Lists: []string{}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{clientName, field("logourl", fieldtype.Text)},
		},
		{
			Datatype: schema.Datatype{Name: AllUsersDatatype, Label: "User", PluralLabel: "Users",
				Icon: "/css/icons/material/User.svg", Lists: []string{}, CanDefineName: true, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{clientName, field("password", fieldtype.Password)},
		},
		{
			Datatype: schema.Datatype{Name: PortalsDatatype, Label: "Portal", PluralLabel: "Portals",
				Icon: "/css/icons/material/Server.svg", Lists: []string{"portals"}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{labelField(), field("url", fieldtype.Text)},
		},
	}
}

func clientSeeds() []schema.Seed {
	userGroup := field("usergroupname", fieldtype.Reference)
	userGroup.Reference = UserGroupsDatatype
	isAdmin := field("isadmin", fieldtype.Boolean)

	areaUsable := field("areausable", fieldtype.Decimal)
	areaUsable.Label = "Usable area"
	areaTotal := field("areatotal", fieldtype.Formula)
	areaTotal.Label = "Total area"
	areaTotal.Formula = `areausable + childsum("areatotal")`
	preview := field("previewimageid", fieldtype.Reference)
	preview.Reference = files.DocumentsDatatype
	preview.IsHidden = true
	docType := field("type", fieldtype.Text)

	return []schema.Seed{
		{
			Datatype: schema.Datatype{Name: UserGroupsDatatype, Label: "User group", PluralLabel: "User groups",
				Icon: "/css/icons/material/User Group Man Man.svg", Lists: []string{ListUsers}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{labelField()},
		},
		{
			Datatype: schema.Datatype{Name: UsersDatatype, Label: "User", PluralLabel: "Users",
				Icon: "/css/icons/material/User.svg", Lists: []string{ListUsers}, CanDefineName: true, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{field("password", fieldtype.Password), userGroup, isAdmin},
		},
		{
			Datatype: schema.Datatype{Name: FoldersDatatype, Label: "Folder", PluralLabel: "Folders",
				Icon: "/css/icons/material/Folder.svg", Lists: []string{ListDocuments}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{labelField()},
		},
		{
			Datatype: schema.Datatype{Name: files.DocumentsDatatype, Label: "Document", PluralLabel: "Documents",
				Icon: "/css/icons/material/Document.svg", Lists: []string{ListDocuments}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{labelField(), docType},
		},
		{
			Datatype: schema.Datatype{Name: FMObjectsDatatype, Label: "FM object", PluralLabel: "FM objects",
				Icon: "/css/icons/material/Cottage.svg", Lists: []string{ListFM}, CanDelete: true, IsPredefined: true},
			Fields: []schema.Field{labelField(), areaUsable, areaTotal, preview},
		},
	}
}
