package main

// General API documentation for swaggo; the document itself lives in
// staged/docs.
//
// @title           staged status API
// @version         1.0
// @description     Read-only status of a staged txt2img run.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
