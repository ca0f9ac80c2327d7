// Package docs provides generated OpenAPI documentation.
//
// reportgen API
//
//	@title			reportgen API
//	@version		1.0
//	@description	Diagnosis report generation service: submit report requests, follow their progress and fetch results.
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/reportgen
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package docs

//go:generate swag init -g ../cmd/reportgen/serve.go -o ./swagger --parseDependency --parseInternal
