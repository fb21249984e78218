package main

// General API documentation for swaggo. Run the swagger generator to refresh.
//
// @title           lightkeyd API
// @version         1.0
// @description     HTTP API for batch image analysis orchestration over vision model backends.
//
// @contact.name   lightkeyd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
