package api

// ConnectRequest is the HTTP request body for POST /api/snowflake/connect.
// Fields left empty fall back to the server's environment configuration.
type ConnectRequest struct {
	Account        string `json:"account"`
	User           string `json:"user"`
	Password       string `json:"password,omitempty"`
	Role           string `json:"role"`
	Warehouse      string `json:"warehouse"`
	Database       string `json:"database"`
	Schema         string `json:"schema"`
	Authenticator  string `json:"authenticator,omitempty"`
	Token          string `json:"token,omitempty"`
	Model          string `json:"model,omitempty"`
	CortexFunction string `json:"cortex_function,omitempty"`
}

// StartRunRequest is the HTTP request body for POST /api/scai/start.
type StartRunRequest struct {
	ProjectName           string `json:"project_name"`
	SourceLanguage        string `json:"source_language,omitempty"`
	TargetPlatform        string `json:"target_platform,omitempty"`
	SourceDirectory       string `json:"source_directory,omitempty"`
	MappingCSVPath        string `json:"mapping_csv_path,omitempty"`
	StatementType         string `json:"statement_type,omitempty"`
	MaxSelfHealIterations int    `json:"max_self_heal_iterations,omitempty"`

	// Optional Snowflake overrides; environment values fill the gaps.
	SFAccount       string `json:"sf_account,omitempty"`
	SFUser          string `json:"sf_user,omitempty"`
	SFRole          string `json:"sf_role,omitempty"`
	SFWarehouse     string `json:"sf_warehouse,omitempty"`
	SFDatabase      string `json:"sf_database,omitempty"`
	SFSchema        string `json:"sf_schema,omitempty"`
	SFAuthenticator string `json:"sf_authenticator,omitempty"`
}
