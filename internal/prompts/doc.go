// Package prompts holds the system prompt handed to the Databricks
// development agent.
//
// Prompt text is Go code rather than a config file: the template is
// interpolated with the discovered MCP tools and loaded skills, and its
// shape is checked by tests.
package prompts
