package dotnet

import (
	"strings"
	"testing"
)

func TestTargetFramework(t *testing.T) {
	tests := []struct {
		version string
		want    string
		wantErr bool
	}{
		{"8", "net8.0", false},
		{"9", "net9.0", false},
		{"10-rc2", "net10.0", false},
		{"7", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := TargetFramework(tc.version)
		if tc.wantErr {
			if err == nil {
				t.Errorf("TargetFramework(%q) succeeded, want error", tc.version)
			}
			continue
		}
		if err != nil {
			t.Errorf("TargetFramework(%q): %v", tc.version, err)
			continue
		}
		if got != tc.want {
			t.Errorf("TargetFramework(%q) = %q, want %q", tc.version, got, tc.want)
		}
	}
}

func TestParsePackageSpec(t *testing.T) {
	tests := []struct {
		spec    string
		want    PackageRef
		wantErr bool
	}{
		{"Newtonsoft.Json", PackageRef{Name: "Newtonsoft.Json"}, false},
		{"Newtonsoft.Json@13.0.3", PackageRef{Name: "Newtonsoft.Json", Version: "13.0.3"}, false},
		{"  Dapper  ", PackageRef{Name: "Dapper"}, false},
		{"", PackageRef{}, true},
		{"Name@", PackageRef{}, true},
		{"@1.0.0", PackageRef{}, true},
		{`Evil"Name`, PackageRef{}, true},
		{"Has Space", PackageRef{}, true},
	}
	for _, tc := range tests {
		got, err := ParsePackageSpec(tc.spec)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParsePackageSpec(%q) succeeded, want error", tc.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePackageSpec(%q): %v", tc.spec, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePackageSpec(%q) = %+v, want %+v", tc.spec, got, tc.want)
		}
	}
}

func TestGenerateProject(t *testing.T) {
	csproj := GenerateProject("net9.0", []PackageRef{
		{Name: "Newtonsoft.Json", Version: "13.0.3"},
		{Name: "Dapper", Version: "2.1.35"},
	})

	for _, want := range []string{
		`<Project Sdk="Microsoft.NET.Sdk">`,
		"<OutputType>Exe</OutputType>",
		"<TargetFramework>net9.0</TargetFramework>",
		"<ImplicitUsings>enable</ImplicitUsings>",
		"<Nullable>enable</Nullable>",
		`<PackageReference Include="Newtonsoft.Json" Version="13.0.3" />`,
		`<PackageReference Include="Dapper" Version="2.1.35" />`,
	} {
		if !strings.Contains(csproj, want) {
			t.Errorf("csproj missing %q:\n%s", want, csproj)
		}
	}
}

func TestGenerateProjectNoPackages(t *testing.T) {
	csproj := GenerateProject("net8.0", nil)
	if strings.Contains(csproj, "<ItemGroup>") {
		t.Errorf("empty package list produced an ItemGroup:\n%s", csproj)
	}
}
