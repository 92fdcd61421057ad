// Package testutil holds fixtures shared by tests across packages.
package testutil

import "github.com/roach88/transit/internal/schema"

// Consumer names used by fixture projects.
const (
	SendEmailOnUserCreation = "SendEmailOnUserCreation"
	SendEmail               = "SendEmail"
)

// UserModel has two states whose field sets differ, plus initializing
// transitions with and without payloads.
func UserModel() schema.Model {
	return schema.Model{
		Name:   "User",
		Prefix: "user",
		States: []schema.State{
			{Name: "Created", Fields: []schema.Field{
				{Name: "name", Type: schema.String},
				{Name: "nickname", Type: schema.Optional(schema.String)},
				{Name: "age", Type: schema.Optional(schema.Int)},
			}},
			{Name: "Deleted", Fields: []schema.Field{
				{Name: "name", Type: schema.String},
			}},
		},
		Transitions: []schema.Transition{
			{Name: "Create", To: []string{"Created"}},
			{Name: "CreateExtra", To: []string{"Created"}},
			{Name: "CreateWithData", To: []string{"Created"}, Fields: []schema.Field{
				{Name: "nickname", Type: schema.Optional(schema.String)},
				{Name: "age", Type: schema.Optional(schema.Int)},
			}},
			{Name: "CreateDouble", To: []string{"Created"}},
			{Name: "Rename", From: []string{"Created"}, To: []string{"Created"}, Fields: []schema.Field{
				{Name: "name", Type: schema.String},
			}},
			{Name: "Delete", From: []string{"Created"}, To: []string{"Deleted"}},
		},
	}
}

// EmailModel is the model written by the fixture consumers.
func EmailModel() schema.Model {
	fields := []schema.Field{
		{Name: "userId", Type: schema.String},
		{Name: "subject", Type: schema.String},
	}
	return schema.Model{
		Name:   "Email",
		Prefix: "email",
		States: []schema.State{
			{Name: "Created", Fields: fields},
			{Name: "Sent", Fields: fields},
		},
		Transitions: []schema.Transition{
			{Name: "Create", To: []string{"Created"}, Fields: fields},
			{Name: "Send", From: []string{"Created"}, To: []string{"Sent"}},
		},
	}
}

// TypesModel has one field of every kind.
func TypesModel() schema.Model {
	return schema.Model{
		Name:   "TypesTest",
		Prefix: "tt",
		States: []schema.State{
			{Name: "Created", Fields: []schema.Field{
				{Name: "label", Type: schema.String},
				{Name: "count", Type: schema.Int},
				{Name: "amount", Type: schema.Decimal},
				{Name: "extra", Type: schema.Optional(schema.Int)},
				{Name: "enabled", Type: schema.Bool},
			}},
		},
		Transitions: []schema.Transition{
			{Name: "Create", To: []string{"Created"}, Fields: []schema.Field{
				{Name: "label", Type: schema.String},
				{Name: "count", Type: schema.Int},
				{Name: "amount", Type: schema.Decimal},
				{Name: "extra", Type: schema.Optional(schema.Int)},
				{Name: "enabled", Type: schema.Bool},
			}},
		},
	}
}

// Schema returns the fixture schema: User, Email and TypesTest.
func Schema() *schema.Schema {
	return schema.MustNew(UserModel(), EmailModel(), TypesModel())
}
